// Command relayplugin-http is a reference file-transfer plugin speaking
// plain HTTP/HTTPS, implementing the plugin contract from the invoker's
// side (spec §6, mirrored by internal/filetransfer/plugin.InvokeSingle and
// InvokeMulti): a capability probe ("-classad"), a single-transfer mode
// ("src dst"), and a multi-transfer mode ("-infile in -outfile out
// [-upload]").
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/relayforge/relayforge/internal/classad"
)

const pluginVersion = "1.0"

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "-classad" {
		printCapabilities()
		return
	}

	infile := flag.String("infile", "", "multi-transfer request record file")
	outfile := flag.String("outfile", "", "multi-transfer result record file")
	upload := flag.Bool("upload", false, "transfer direction is upload (local -> URL)")
	flag.Parse()

	if *infile != "" && *outfile != "" {
		if err := runMulti(*infile, *outfile, *upload); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: relayplugin-http -classad | src dst | -infile F -outfile F [-upload]")
		os.Exit(2)
	}
	if err := runSingle(args[0], args[1]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printCapabilities() {
	a := classad.New()
	a.SetString("SupportedMethods", "http,https")
	a.SetBool("MultipleFileSupport", true)
	a.SetString("PluginVersion", pluginVersion)
	a.WriteTo(os.Stdout)
}

// runSingle performs one src->dst transfer, where exactly one of src/dst is
// an http(s) URL and the other a local path, and prints a statistics
// record to stdout (spec §4.4).
func runSingle(src, dst string) error {
	bytesMoved, err := transferOne(src, dst)
	stats := classad.New()
	stats.SetString("TransferUrl", pickURL(src, dst))
	stats.SetString("TransferFileName", pickLocal(src, dst))
	stats.SetBool("TransferSuccess", err == nil)
	stats.SetInt("TransferFileBytes", bytesMoved)
	stats.SetString("TransferProtocol", "http")
	if err != nil {
		stats.SetString("TransferError", err.Error())
	}
	stats.WriteTo(os.Stdout)
	return err
}

// runMulti reads Url/LocalFileName request records from infile and writes
// one TransferFileName/TransferUrl/TransferSuccess/... result record per
// request to outfile, matching plugin.InvokeMulti's expectations exactly.
func runMulti(infilePath, outfilePath string, upload bool) error {
	in, err := os.Open(infilePath)
	if err != nil {
		return fmt.Errorf("relayplugin-http: open infile: %w", err)
	}
	defer in.Close()

	requests, err := classad.ParseAll(in)
	if err != nil {
		return fmt.Errorf("relayplugin-http: parse infile: %w", err)
	}

	out, err := os.Create(outfilePath)
	if err != nil {
		return fmt.Errorf("relayplugin-http: create outfile: %w", err)
	}
	defer out.Close()

	for _, req := range requests {
		url, _ := req.GetString("Url")
		local, _ := req.GetString("LocalFileName")

		var src, dst string
		if upload {
			src, dst = local, url
		} else {
			src, dst = url, local
		}

		bytesMoved, transferErr := transferOne(src, dst)

		result := classad.New()
		result.SetString("TransferFileName", local)
		result.SetString("TransferUrl", url)
		result.SetBool("TransferSuccess", transferErr == nil)
		result.SetInt("TransferFileBytes", bytesMoved)
		result.SetString("TransferProtocol", "http")
		if transferErr != nil {
			result.SetString("TransferError", transferErr.Error())
		}
		if _, err := result.WriteTo(out); err != nil {
			return err
		}
		if _, err := out.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func transferOne(src, dst string) (int64, error) {
	if isURL(src) {
		return downloadFile(src, dst)
	}
	return uploadFile(src, dst)
}

func downloadFile(url, localPath string) (int64, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("relayplugin-http: GET %s: status %s", url, resp.Status)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.Copy(f, resp.Body)
}

func uploadFile(localPath, url string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPut, url, f)
	if err != nil {
		return 0, err
	}
	req.ContentLength = info.Size()

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("relayplugin-http: PUT %s: status %s", url, resp.Status)
	}
	return info.Size(), nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func pickURL(src, dst string) string {
	if isURL(src) {
		return src
	}
	return dst
}

func pickLocal(src, dst string) string {
	if isURL(src) {
		return dst
	}
	return src
}
