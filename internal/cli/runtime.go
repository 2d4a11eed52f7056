package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/graphsync/internal/cache"
	"github.com/roach88/graphsync/internal/config"
	"github.com/roach88/graphsync/internal/dispatch"
	"github.com/roach88/graphsync/internal/engine"
	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/logger"
	"github.com/roach88/graphsync/internal/model"
	"github.com/roach88/graphsync/internal/store"
	"github.com/roach88/graphsync/internal/supervisor"
	"github.com/roach88/graphsync/internal/validation"
)

// runtime is one session's fully wired stack. Commands open it, use the
// engine, and close it.
type runtime struct {
	cfg        config.Config
	log        *zap.SugaredLogger
	store      *store.Store
	cache      *cache.Cache
	doc        *model.Memory
	dispatcher *dispatch.Dispatcher
	sup        *supervisor.Supervisor
	validator  *validation.Runner
	watermarks *engine.WatermarkStore
	engine     *engine.Engine

	stopDispatch context.CancelFunc
	dispatchDone chan struct{}
}

// loadConfig resolves the config file: the --config flag, else
// ./graphsync.yaml when it exists, else built-in defaults.
func loadConfig(opts *RootOptions) (config.Config, error) {
	path := opts.ConfigPath
	if path == "" {
		if _, err := os.Stat(config.DefaultFile); err == nil {
			path = config.DefaultFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// openRuntime wires config, logger, store, cache, watermarks, model,
// dispatcher, supervisor and validation into an engine. The session is
// opts.Session, else the id remembered in the watermark directory.
// Every failure is a command error; the caller must Close on success.
func openRuntime(opts *RootOptions) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logging.Level, logger.Format(cfg.Logging.Format))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build logger", err)
	}

	rt := &runtime{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create store directory", err)
		}
	}
	log.Debugw("opening central store", "path", cfg.Store.Path)
	rt.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open central store", err)
	}

	if cfg.Cache.Dir != "" {
		rt.cache, err = cache.Open(cfg.Cache.Dir)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open change cache", err)
		}
	}

	rt.watermarks, err = engine.NewWatermarkStore(cfg.Watermark.Dir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open watermark directory", err)
	}

	sessionID := opts.Session
	if sessionID == "" {
		sessionID, err = resolveSessionID(cfg.Watermark.Dir, cfg.User)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to resolve session id", err)
		}
	}

	rt.doc, err = model.LoadMemory(cfg.Model.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load local model", err)
	}

	var supOpts []supervisor.Option
	if cfg.Sentry.DSN != "" {
		hub, err := supervisor.NewSentryHub(cfg.Sentry.DSN, ir.EngineVersion)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to initialise sentry", err)
		}
		supOpts = append(supOpts, supervisor.WithSentry(hub))
	}
	rt.sup = supervisor.New(logger.For(log, "supervisor"), supOpts...)

	rt.dispatcher = dispatch.New(logger.For(log, "dispatch"))
	dctx, cancel := context.WithCancel(context.Background())
	rt.stopDispatch = cancel
	rt.dispatchDone = make(chan struct{})
	go func() {
		defer close(rt.dispatchDone)
		_ = rt.dispatcher.Run(dctx)
	}()

	engOpts := []engine.Option{
		engine.WithLogger(logger.For(log, "engine")),
		engine.WithWatermarks(rt.watermarks),
		engine.WithSessionID(sessionID),
		engine.WithUser(cfg.User),
		engine.WithSupervisor(rt.sup),
		engine.WithRetentionMaxAge(cfg.Sync.RetentionMaxAge.Std()),
		engine.WithNotifyTiming(cfg.Sync.PollInterval.Std(), cfg.Sync.NotifyWindow.Std()),
		engine.WithPullTiming(cfg.Sync.BatchWindow.Std(), cfg.Sync.MinPullInterval.Std()),
	}
	if rt.cache != nil {
		engOpts = append(engOpts, engine.WithCache(rt.cache))
	}
	if len(cfg.Categories) > 0 {
		convs := make([]model.Converter, 0, len(cfg.Categories))
		for _, c := range cfg.Categories {
			convs = append(convs, model.PassThrough(c))
		}
		engOpts = append(engOpts, engine.WithCategories(convs...))
	}
	if cfg.Validation.URL != "" {
		svc := &validation.HTTPService{
			BaseURL:      cfg.Validation.URL,
			Client:       &http.Client{},
			PollInterval: cfg.Validation.PollInterval.Std(),
			Timeout:      cfg.Validation.Timeout.Std(),
			Log:          logger.For(log, "validation"),
		}
		rt.validator = validation.NewRunner(svc, rt.sup, cfg.Validation.Timeout.Std(), logger.For(log, "validation"))
		engOpts = append(engOpts, engine.WithValidation(rt.validator, cfg.Validation.Ruleset))
	}

	rt.engine, err = engine.New(rt.store, rt.doc, rt.dispatcher, engOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	ok = true
	return rt, nil
}

// SessionID returns the id this runtime syncs as.
func (rt *runtime) SessionID() string { return rt.engine.SessionID() }

// SaveModel writes the local model snapshot back to disk.
func (rt *runtime) SaveModel() error {
	if err := rt.doc.Save(rt.cfg.Model.Path); err != nil {
		return WrapExitError(ExitCommandError, "failed to save local model", err)
	}
	return nil
}

// Close shuts the stack down in reverse order. In-flight validation runs
// are awaited so their outcome is logged before the process exits.
func (rt *runtime) Close() error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Close())
	}
	if rt.sup != nil {
		rt.sup.Wait()
	}
	if rt.dispatcher != nil {
		rt.dispatcher.Close()
		rt.stopDispatch()
		<-rt.dispatchDone
	}
	if rt.cache != nil {
		errs = append(errs, rt.cache.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.log != nil {
		_ = rt.log.Sync()
	}
	return errors.Join(errs...)
}

// withRuntime opens a runtime for the duration of fn.
func withRuntime(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			rt.log.Errorw("error closing runtime", "error", closeErr)
		}
	}()
	return fn(ctx, rt)
}

// formatter returns the output formatter for cmd.
func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// syncFailure maps an engine error onto an exit error: transient and
// initialisation problems are command errors, everything else a failure.
func syncFailure(message string, err error) error {
	var se *engine.SyncError
	if errors.As(err, &se) && (se.Code == engine.ErrCodeStoreUnavailable || se.Code == engine.ErrCodeInitFailed) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

// reportFailure writes err in the configured format and returns the exit
// error for it.
func reportFailure(f *OutputFormatter, message string, err error) error {
	code := "SYNC_FAILED"
	var details any
	var se *engine.SyncError
	if errors.As(err, &se) {
		code = string(se.Code)
		if se.Code == engine.ErrCodeBatchAborted {
			details = map[string]any{"index": se.Index, "entity_id": se.EntityID}
		}
	}
	if f.Format == "json" {
		_ = f.Error(code, fmt.Sprintf("%s: %v", message, err), details)
	}
	return syncFailure(message, err)
}
