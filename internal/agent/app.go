// Package agent wires the relayforged binary's components together:
// config, logger, plugin registry, reuse cache, transfer-queue client, the
// session host, and the CEDAR control listener (spec §5, §6). Grounded in
// the teacher's internal/server.App (signal handling, wait-group-guarded
// server goroutines).
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/relayforge/relayforge/internal/agent/config"
	"github.com/relayforge/relayforge/internal/classad"
	"github.com/relayforge/relayforge/internal/coordinator/rpc"
	"github.com/relayforge/relayforge/internal/cryptox"
	"github.com/relayforge/relayforge/internal/filetransfer/catalog"
	"github.com/relayforge/relayforge/internal/filetransfer/download"
	"github.com/relayforge/relayforge/internal/filetransfer/job"
	"github.com/relayforge/relayforge/internal/filetransfer/plugin"
	"github.com/relayforge/relayforge/internal/filetransfer/planner"
	"github.com/relayforge/relayforge/internal/filetransfer/queue"
	"github.com/relayforge/relayforge/internal/filetransfer/reuse"
	"github.com/relayforge/relayforge/internal/filetransfer/reuse/postgres"
	"github.com/relayforge/relayforge/internal/filetransfer/reuse/sqlite"
	"github.com/relayforge/relayforge/internal/filetransfer/session"
	"github.com/relayforge/relayforge/internal/filetransfer/sign"
	"github.com/relayforge/relayforge/internal/filetransfer/statslog"
	"github.com/relayforge/relayforge/internal/filetransfer/summary"
	"github.com/relayforge/relayforge/internal/filetransfer/upload"
	"github.com/relayforge/relayforge/internal/filetransfer/wire"
	"github.com/relayforge/relayforge/internal/logging"
)

// reuseChecksumType is the checksum algorithm used to build ReuseCandidate
// entries from a freshly built transfer plan (spec §4.5).
const reuseChecksumType = "sha256"

// App owns one relayforged process's long-lived state.
type App struct {
	config *config.Config
	logger logging.Logger

	plugins    *plugin.Registry
	reuseCache reuse.Cache
	reuseClose func() error
	queue      *queue.Client
	statsLog   *statslog.Log
	signer     *sign.Signer

	// catalogs holds the last-registered upload's sandbox snapshot per Iwd,
	// so the next Upload from the same sandbox can be diffed against it
	// (C1, spec §4.1, P2).
	catalogsMu sync.Mutex
	catalogs   map[string]*catalog.Catalog

	host *session.Host
}

// NewApp builds an App from cfg: it discovers plugins, opens the reuse
// cache backing, dials the coordinator if configured, and constructs the
// session host. Nothing is started yet; call Run.
func NewApp(cfg *config.Config) (*App, error) {
	handler := slog.NewJSONHandler(os.Stdout, nil)
	logger := logging.NewSlogLogger(slog.New(handler))

	plugins := plugin.New()
	if len(cfg.PluginPaths) > 0 {
		if err := plugins.Discover(context.Background(), nil, cfg.PluginPaths); err != nil {
			logger.Warn(context.Background(), "plugin discovery failed", "error", err)
		}
	}

	reuseCache, closeReuse, err := openReuseCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("agent: open reuse cache: %w", err)
	}

	var queueClient *queue.Client
	if cfg.CoordinatorAddr != "" {
		conn, err := grpc.NewClient(cfg.CoordinatorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("agent: dial coordinator: %w", err)
		}
		queueClient = queue.NewClient(rpc.NewQueueClient(conn), cfg.CoordinatorToken)
	}

	var statsLog *statslog.Log
	if cfg.StatsLogPath != "" {
		statsLog, err = statslog.Open(cfg.StatsLogPath)
		if err != nil {
			return nil, fmt.Errorf("agent: open statistics log: %w", err)
		}
	}

	host := session.NewHost(logger, plugins)

	var signer *sign.Signer
	if cfg.SignRegion != "" {
		signer = sign.New(sign.Config{
			Region:       cfg.SignRegion,
			AccessKey:    cfg.SignAccessKey,
			SecretKey:    cfg.SignSecretKey,
			BaseEndpoint: cfg.SignEndpoint,
			Expires:      cfg.SignURLExpiry,
		})
	}

	return &App{
		config:     cfg,
		logger:     logger,
		plugins:    plugins,
		reuseCache: reuseCache,
		reuseClose: closeReuse,
		queue:      queueClient,
		statsLog:   statsLog,
		signer:     signer,
		catalogs:   map[string]*catalog.Catalog{},
		host:       host,
	}, nil
}

func openReuseCache(cfg *config.Config) (reuse.Cache, func() error, error) {
	switch cfg.ReuseCacheDriver {
	case "", "none":
		return nil, func() error { return nil }, nil
	case "sqlite":
		c, db, err := sqlite.Open(context.Background(), cfg.ReuseCacheDSN, cfg.ReuseBlobDir)
		if err != nil {
			return nil, nil, err
		}
		return c, db.Close, nil
	case "postgres":
		c, db, err := postgres.Open(context.Background(), cfg.ReuseCacheDSN, cfg.ReuseBlobDir)
		if err != nil {
			return nil, nil, err
		}
		return c, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("agent: unknown reuse cache driver %q", cfg.ReuseCacheDriver)
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the session host, the control listener, and the pending-job
// spool watcher, blocking until ctx is cancelled or a termination signal
// arrives.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer func() {
		if app.reuseClose != nil {
			_ = app.reuseClose()
		}
		if app.statsLog != nil {
			_ = app.statsLog.Close()
		}
	}()

	app.logger.Info(ctx, "starting relayforged", "control_addr", app.config.ControlListenAddr)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.host.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runControlListener(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.watchPendingJobs(ctx)
	}()

	wg.Wait()
}

func (app *App) runControlListener(ctx context.Context, cancelFunc context.CancelFunc) {
	listener, err := net.Listen("tcp", app.config.ControlListenAddr)
	if err != nil {
		app.logger.Error(ctx, "control listener failed to bind", "error", err)
		cancelFunc()
		return
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	app.logger.Info(ctx, "control listener accepting connections", "address", app.config.ControlListenAddr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				app.logger.Warn(ctx, "control listener accept error", "error", err)
				continue
			}
		}
		go app.handleControlConn(ctx, conn)
	}
}

// handleControlConn reads the higher-layer UPLOAD/DOWNLOAD command and
// session key off conn (spec §6), then hands the connection to the session
// host for the rest of its lifetime.
func (app *App) handleControlConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	fr := wire.New(conn)
	frame, err := fr.ReadCommand()
	if err != nil {
		app.logger.Warn(ctx, "control connection: failed to read command", "error", err)
		return
	}

	cmd := session.Command(frame.Code)
	key := session.SessionKey(frame.Filename)

	result, err := app.host.Accept(ctx, conn, cmd, key)
	if err != nil {
		app.logger.Warn(ctx, "session failed", "key", key, "error", err)
		return
	}

	app.logger.Info(ctx, "session completed", "key", string(key), "success", result.Success,
		"files", result.FilesTransferred, "bytes", result.BytesTransferred)

	if app.statsLog != nil {
		if err := app.statsLog.Write(resultAttrs(key, result)); err != nil {
			app.logger.Warn(ctx, "failed to append statistics record", "error", err)
		}
	}
}

func resultAttrs(key session.SessionKey, result summary.Result) *classad.Attrs {
	a := classad.New()
	a.SetString("SessionKey", string(key))
	a.SetBool("Success", result.Success)
	a.SetBool("TryAgain", result.TryAgain)
	a.SetInt("HoldCode", int64(result.HoldCode))
	a.SetInt("HoldSubcode", int64(result.HoldSubcode))
	a.SetString("HoldReason", result.HoldReason)
	a.SetInt("FilesTransferred", int64(result.FilesTransferred))
	a.SetInt("BytesTransferred", result.BytesTransferred)
	return a
}

// watchPendingJobs polls SandboxRoot/pending for job-ad files dropped by an
// external submitter, registers a session for each, and writes the minted
// key to a ".key" sidecar so the peer that will dial our control listener
// can be told which key to present (spec §5: session keys are "delivered to
// the peer out of band").
func (app *App) watchPendingJobs(ctx context.Context) {
	dir := filepath.Join(app.config.SandboxRoot, "pending")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		app.logger.Warn(ctx, "cannot create pending job spool", "dir", dir, "error", err)
		return
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.scanPendingJobs(ctx, dir)
		}
	}
}

func (app *App) scanPendingJobs(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		app.logger.Warn(ctx, "cannot list pending job spool", "dir", dir, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".job" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := app.registerPendingJob(ctx, path); err != nil {
			app.logger.Warn(ctx, "failed to register pending job", "path", path, "error", err)
		}
	}
}

// registerPendingJob parses one classad-formatted job-ad file (the same
// "Key = value" text form the plugin contract and statistics log use, spec
// §6) and registers a session for it. The ad carries the job attributes
// plus two out-of-band fields: Role ("upload" or "download") and
// SandboxMB, the space to reserve in the reuse cache.
func (app *App) registerPendingJob(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	attrs, err := classad.Parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("malformed job ad: %w", err)
	}

	j, err := job.FromAttrs(attrs)
	if err != nil {
		return err
	}

	role := session.RoleDownloader
	if roleStr, _ := attrs.GetString("Role"); roleStr == "upload" {
		role = session.RoleUploader
	}
	sandboxMB, _ := attrs.GetInt("SandboxMB")
	reserveBytes := sandboxMB * 1024 * 1024
	if reserveBytes == 0 {
		reserveBytes = app.config.ReuseReserveBytes
	}
	maxInBytes, maxOutBytes := j.MaxTransferInputBytes, j.MaxTransferOutputBytes
	if maxInBytes == 0 {
		maxInBytes = app.config.MaxTransferInputMB * 1024 * 1024
	}
	if maxOutBytes == 0 {
		maxOutBytes = app.config.MaxTransferOutputMB * 1024 * 1024
	}

	opts := session.RegisterOptions{
		QueueClient:       app.queue,
		QueueDirection:    queueDirectionFor(role),
		QueueUserExpr:     app.config.QueueUserExpr,
		ReuseCache:        app.reuseCache,
		ReuseReserveBytes: reserveBytes,
		ReuseTag:          j.Owner,
	}
	pluginOverrides := plugin.ParseOverrides(j.PluginOverride)

	if role == session.RoleDownloader {
		var allowedPrefixes []string
		if j.OutputDestination != "" {
			allowedPrefixes = []string{j.OutputDestination}
		}
		opts.DownloadOptions = download.Options{
			SandboxDir:                   j.Iwd,
			Remap:                        j.OutputRemaps,
			MaxTransferOutputBytes:       maxOutBytes,
			ReuseCache:                   app.reuseCache,
			ReuseTag:                     j.Owner,
			Signer:                       app.signer,
			AllowedDestPrefixes:          allowedPrefixes,
			Plugins:                      app.plugins,
			PluginOverrides:              pluginOverrides,
			RunPluginsAsServicePrincipal: app.config.RunPluginsWithRoot,
			Logger:                       app.logger,
			Final:                        true,
		}
	} else {
		entries := app.changedInputFiles(j.Iwd, j.InputFiles)
		items, err := planner.BuildList(entries, planner.Options{
			Iwd:            j.Iwd,
			CredentialPath: j.CredentialPath,
		})
		if err != nil {
			return fmt.Errorf("build transfer plan: %w", err)
		}

		outputItems, err := planner.BuildOutputItems(j.OutputFiles, j.Iwd, j.OutputDestination, j.OutputRemaps)
		if err != nil {
			return fmt.Errorf("build output transfer plan: %w", err)
		}
		if len(outputItems) > 0 {
			insertAt := 0
			if len(items) > 0 && j.CredentialPath != "" && items[0].SourceName == j.CredentialPath {
				insertAt = 1
			}
			merged := make([]planner.TransferItem, 0, len(items)+len(outputItems))
			merged = append(merged, items[:insertAt]...)
			merged = append(merged, outputItems...)
			merged = append(merged, items[insertAt:]...)
			items = merged
		}

		opts.UploadOptions = upload.Options{
			Items:                        items,
			Iwd:                          j.Iwd,
			CredentialPath:               j.CredentialPath,
			MaxTransferInputBytes:        maxInBytes,
			ReuseCandidates:              app.reuseCandidates(j, items),
			ReuseTag:                     j.Owner,
			Plugins:                      app.plugins,
			PluginOverrides:              pluginOverrides,
			RunPluginsAsServicePrincipal: app.config.RunPluginsWithRoot,
			ShouldEncrypt:                j.ShouldEncryptInput,
			Logger:                       app.logger,
		}
	}

	key, err := app.host.Register(ctx, j, role, opts)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path+".key", []byte(key), 0o600); err != nil {
		return err
	}
	return os.Rename(path, path+".registered")
}

// changedInputFiles narrows entries to the ones this Upload actually needs
// to send, consulting the sandbox catalog left by the previous Upload from
// the same Iwd (C1, spec §4.1's "a second Upload sends exactly the set of
// files whose (size, mtime) differ", property P2). The first Upload seen
// for a given Iwd has no baseline to diff against, so it sends everything
// and establishes one. catalog.Scan only covers dir's top level, so an
// entry naming a nested path is always resent — its change cannot be
// determined from the top-level catalog alone.
func (app *App) changedInputFiles(iwd string, entries []string) []string {
	app.catalogsMu.Lock()
	baseline := app.catalogs[iwd]
	app.catalogsMu.Unlock()

	fresh, scanErr := catalog.Scan(iwd)
	if scanErr == nil {
		app.catalogsMu.Lock()
		app.catalogs[iwd] = fresh
		app.catalogsMu.Unlock()
	}

	if baseline == nil {
		return entries
	}

	changed, err := baseline.Diff(iwd)
	if err != nil {
		app.logger.Warn(context.Background(), "catalog diff failed, sending full input list", "iwd", iwd, "error", err)
		return entries
	}
	changedSet := make(map[string]bool, len(changed))
	for _, name := range changed {
		changedSet[name] = true
	}

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.ContainsAny(entry, "/\\") || changedSet[entry] {
			out = append(out, entry)
		}
	}
	return out
}

// reuseCandidates computes a content checksum for each locally-sourced file
// in items, offering the peer a chance to skip re-transferring content it
// already holds (C5 negotiation, spec §4.5). Directories, symlinks, and
// URL-sourced items carry no local content to checksum and are skipped.
func (app *App) reuseCandidates(j *job.Job, items []planner.TransferItem) []upload.ReuseCandidate {
	var candidates []upload.ReuseCandidate
	for _, item := range items {
		if item.IsDirectory || item.IsSymlink || item.SourceScheme != "" {
			continue
		}
		path := filepath.Join(j.Iwd, item.SourceName)
		sum, err := cryptox.ChecksumFile(path, reuseChecksumType)
		if err != nil {
			app.logger.Warn(context.Background(), "reuse checksum failed, skipping candidate", "path", path, "error", err)
			continue
		}
		candidates = append(candidates, upload.ReuseCandidate{
			FileName:     item.SourceName,
			Checksum:     sum,
			ChecksumType: reuseChecksumType,
			Tag:          j.Owner,
			Size:         item.FileSize,
		})
	}
	return candidates
}

func queueDirectionFor(role session.Role) queue.Direction {
	if role == session.RoleUploader {
		return queue.DirectionUpload
	}
	return queue.DirectionDownload
}
