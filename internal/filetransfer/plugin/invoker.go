package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/relayforge/relayforge/internal/classad"
	"github.com/relayforge/relayforge/internal/common"
)

// TransferRequest is one item a plugin must move, expressed the way the
// plugin's infile records do: a URL and a local sandbox path (spec §6).
type TransferRequest struct {
	URL           string
	LocalFileName string
}

// TransferResult is one item's outcome, mirroring a plugin's outfile
// record fields.
type TransferResult struct {
	TransferFileName string
	TransferUrl      string
	TransferSuccess  bool
	TransferError    string
	TransferFileBytes int64
	TransferProtocol string
}

// InvokeOptions carries the environment single- and multi-transfer
// invocations both propagate to the plugin subprocess (spec §6).
type InvokeOptions struct {
	CredentialDir     string
	CredentialFile    string
	JobAdPath         string
	MachineAdPath     string
	RunAsServicePrincipal bool
}

func (o InvokeOptions) env() []string {
	env := os.Environ()
	if o.CredentialDir != "" {
		env = append(env, common.EnvCondorCreds+"="+o.CredentialDir)
	}
	if o.CredentialFile != "" {
		env = append(env, common.EnvX509UserProxy+"="+o.CredentialFile)
	}
	if o.JobAdPath != "" {
		env = append(env, common.EnvCondorJobAd+"="+o.JobAdPath)
	}
	if o.MachineAdPath != "" {
		env = append(env, common.EnvCondorMachineAd+"="+o.MachineAdPath)
	}
	if o.RunAsServicePrincipal {
		env = append(env, common.EnvCondorServicePrincipal+"=1")
	}
	return env
}

// InvokeSingle spawns the plugin for one src→dst transfer. Non-zero exit
// is a failure; stdout attribute lines (if any) are parsed into a
// statistics record but a parse failure there does not itself fail the
// transfer (spec §4.4).
func InvokeSingle(ctx context.Context, reg *Registration, src, dst string, opts InvokeOptions) (*classad.Attrs, error) {
	cmd := exec.CommandContext(ctx, reg.Path, src, dst)
	cmd.Env = opts.env()

	var out bytes.Buffer
	cmd.Stdout = &out

	runErr := cmd.Run()

	stats, parseErr := classad.Parse(bytes.NewReader(out.Bytes()))
	if parseErr != nil {
		stats = classad.New()
	}

	if runErr != nil {
		return stats, fmt.Errorf("plugin: single transfer %s -> %s via %s: %w", src, dst, reg.Path, runErr)
	}
	return stats, nil
}

// InvokeMulti spawns a multi-file-capable plugin against a batch of
// requests, writing an attribute-record infile and reading back a parallel
// outfile sequence (spec §4.4). upload selects the "-upload" flag.
func InvokeMulti(ctx context.Context, reg *Registration, requests []TransferRequest, upload bool, opts InvokeOptions) ([]TransferResult, error) {
	inFile, err := os.CreateTemp("", "relayforge-plugin-in-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(inFile.Name())

	for _, req := range requests {
		rec := classad.New()
		rec.SetString("Url", req.URL)
		rec.SetString("LocalFileName", req.LocalFileName)
		if _, err := rec.WriteTo(inFile); err != nil {
			inFile.Close()
			return nil, err
		}
		if _, err := inFile.WriteString("\n"); err != nil {
			inFile.Close()
			return nil, err
		}
	}
	if err := inFile.Close(); err != nil {
		return nil, err
	}

	outFile, err := os.CreateTemp("", "relayforge-plugin-out-*")
	if err != nil {
		return nil, err
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	args := []string{"-infile", inFile.Name(), "-outfile", outPath}
	if upload {
		args = append(args, "-upload")
	}

	cmd := exec.CommandContext(ctx, reg.Path, args...)
	cmd.Env = opts.env()
	runErr := cmd.Run()

	f, openErr := os.Open(outPath)
	if openErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("plugin: multi transfer via %s: %w", reg.Path, runErr)
		}
		return nil, fmt.Errorf("plugin: multi transfer via %s produced no outfile: %w", reg.Path, openErr)
	}
	defer f.Close()

	records, err := classad.ParseAll(f)
	if err != nil {
		return nil, fmt.Errorf("plugin: malformed multi-transfer outfile from %s: %w", reg.Path, err)
	}

	results := make([]TransferResult, 0, len(records))
	for _, rec := range records {
		res := TransferResult{}
		res.TransferFileName, _ = rec.GetString("TransferFileName")
		res.TransferUrl, _ = rec.GetString("TransferUrl")
		res.TransferSuccess, _ = rec.GetBool("TransferSuccess")
		res.TransferError, _ = rec.GetString("TransferError")
		res.TransferFileBytes, _ = rec.GetInt("TransferFileBytes")
		res.TransferProtocol, _ = rec.GetString("TransferProtocol")
		results = append(results, res)
	}

	if runErr != nil && len(results) == 0 {
		return nil, fmt.Errorf("plugin: multi transfer via %s: %w", reg.Path, runErr)
	}
	return results, nil
}
