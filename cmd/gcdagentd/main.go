// Command gcdagentd is the device-side agent daemon: it wires the typed
// schema engine, the command manager, the state manager, and the
// registration/sync controller to a real filesystem config store, HTTP
// client, and cooperative scheduler, then runs until told to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gcdcore/agent/internal/command"
	"github.com/gcdcore/agent/internal/diagnostics/store"
	"github.com/gcdcore/agent/internal/diagnostics/telemetry"
	"github.com/gcdcore/agent/internal/infrastructure/config"
	"github.com/gcdcore/agent/internal/infrastructure/logging"
	"github.com/gcdcore/agent/internal/localapi"
	"github.com/gcdcore/agent/internal/registration"
	"github.com/gcdcore/agent/internal/scheduler"
	"github.com/gcdcore/agent/internal/schema"
	"github.com/gcdcore/agent/internal/state"
	"github.com/gcdcore/agent/internal/transport/filestore"
	"github.com/gcdcore/agent/internal/transport/httpclient"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// stateSchemaFile is the well-known file, alongside the base command
// dictionary, that declares the device's state property types. It is
// optional: a device with no mutable state properties need not provide it.
const stateSchemaFile = "state.json"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error lets main control the exit code.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting gcdagentd", "version", version, "commit", commit, "build_date", date)

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "device_kind", cfg.Agent.DeviceKind, "system_name", cfg.Agent.SystemName)

	dict := command.NewDictionary()
	if err := loadSchemas(dict, cfg.Agent.SchemaDir, cfg.Agent.BaseSchemaFile); err != nil {
		return fmt.Errorf("loading command schemas: %w", err)
	}

	stateTypes, err := loadStateTypes(cfg.Agent.SchemaDir)
	if err != nil {
		return fmt.Errorf("loading state schema: %w", err)
	}
	log.Info("schemas loaded", "commands", len(dict.Names()), "state_properties", len(stateTypes))

	sched := scheduler.New(log)
	go sched.Run(ctx)
	defer func() {
		<-sched.Stopped()
	}()

	commandMgr := command.New(dict, sched, log)
	stateMgr := state.New(stateTypes, cfg.Sync.ChangeQueueCapacity)

	settingsStore := filestore.New(cfg.Registration.StatePath, filepath.Join(cfg.Agent.SchemaDir, cfg.Agent.BaseSchemaFile))
	httpClient := httpclient.New(cfg.HTTPTimeout())

	controller := registration.New(settingsStore, httpClient, sched, commandMgr, stateMgr, log, registration.Options{
		DefaultPollInterval:   cfg.PollInterval(),
		PushInterval:          cfg.PushInterval(),
		HTTPTimeout:           cfg.HTTPTimeout(),
		FinalizeMaxAttempts:   cfg.Sync.FinalizeMaxAttempts,
		FinalizeRetryInterval: time.Duration(cfg.Sync.FinalizeRetrySeconds) * time.Second,
		DefaultOAuthURL:       cfg.Registration.DefaultOAuthURL,
		DefaultServiceURL:     cfg.Registration.DefaultServiceURL,
	})

	if err := controller.Load(); err != nil {
		return fmt.Errorf("loading registration record: %w", err)
	}
	log.Info("registration loaded", "gcd_state", controller.GcdState().String())

	var diagStore *store.Store
	if cfg.Diagnostics.SQLitePath != "" {
		diagStore, err = store.Open(cfg.Diagnostics.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening diagnostics store: %w", err)
		}
		defer func() {
			log.Info("closing diagnostics store")
			if closeErr := diagStore.Close(); closeErr != nil {
				log.Error("error closing diagnostics store", "error", closeErr)
			}
		}()
		wireDiagnosticsStore(ctx, diagStore, commandMgr, controller, log)
		log.Info("diagnostics store opened", "path", cfg.Diagnostics.SQLitePath)
	}

	var telemetryClient *telemetry.Client
	if cfg.Diagnostics.InfluxDB.Enabled {
		telemetryClient, err = telemetry.Connect(telemetry.Config{
			Enabled:       cfg.Diagnostics.InfluxDB.Enabled,
			URL:           cfg.Diagnostics.InfluxDB.URL,
			Token:         cfg.Diagnostics.InfluxDB.Token,
			Org:           cfg.Diagnostics.InfluxDB.Org,
			Bucket:        cfg.Diagnostics.InfluxDB.Bucket,
			BatchSize:     cfg.Diagnostics.InfluxDB.BatchSize,
			FlushInterval: cfg.Diagnostics.InfluxDB.FlushInterval,
		}, cfg.Agent.SystemName)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing telemetry client")
			if closeErr := telemetryClient.Close(); closeErr != nil {
				log.Error("error closing telemetry client", "error", closeErr)
			}
		}()
		controller.AddOnGcdStateChangedCallback(func(s registration.GcdState) {
			telemetryClient.RecordGcdStateTransition(s.String())
		})
		commandMgr.AddOnCommandRemovedCallback(func(cmd *command.Command) {
			telemetryClient.RecordCommandCompletion(cmd.Name, cmd.Status().String(), time.Since(cmd.CreatedAt))
		})
		log.Info("telemetry connected", "url", cfg.Diagnostics.InfluxDB.URL, "bucket", cfg.Diagnostics.InfluxDB.Bucket)
	} else {
		log.Info("telemetry disabled")
	}

	var localServer *localapi.Server
	if cfg.LocalAPI.Enabled {
		localServer, err = localapi.New(localapi.Deps{
			Address:    cfg.LocalAPI.Address,
			Logger:     log,
			Commands:   commandMgr,
			State:      stateMgr,
			Controller: controller,
			Version:    version,
		})
		if err != nil {
			return fmt.Errorf("creating local API server: %w", err)
		}
		if err := localServer.Start(ctx); err != nil {
			return fmt.Errorf("starting local API server: %w", err)
		}
		defer func() {
			log.Info("stopping local API server")
			if closeErr := localServer.Close(); closeErr != nil {
				log.Error("error stopping local API server", "error", closeErr)
			}
		}()
		log.Info("local API listening", "address", cfg.LocalAPI.Address)
	} else {
		log.Info("local API disabled")
	}

	// Connecting means a complete registration record is on disk but the
	// access token has not yet been (re)validated this run; starting the
	// sync loops immediately drives that first refresh, since PollCommands
	// and PushState are what actually call AccessToken. Connected covers a
	// state transition arriving later, e.g. once an external caller
	// completes FinishRegistration via the local API.
	var syncLoopsStarted sync.Once
	controller.AddOnGcdStateChangedCallback(func(s registration.GcdState) {
		log.Info("gcd state changed", "state", s.String())
		if s == registration.GcdStateConnected || s == registration.GcdStateConnecting {
			syncLoopsStarted.Do(controller.StartSyncLoops)
		}
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// getConfigPath returns the configuration file path, honouring
// GCD_AGENT_CONFIG if set.
func getConfigPath() string {
	if path := os.Getenv("GCD_AGENT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadSchemas reads every *.json file in dir: baseFile seeds the base
// command dictionary, every other file is loaded as a device command
// category keyed by its file stem. stateSchemaFile is skipped here; it is
// not a command document.
func loadSchemas(dict *command.Dictionary, dir, baseFile string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading schema directory %s: %w", dir, err)
	}

	basePath := filepath.Join(dir, baseFile)
	baseRaw, err := os.ReadFile(basePath)
	if err != nil {
		return fmt.Errorf("reading base schema %s: %w", basePath, err)
	}
	if err := dict.LoadBaseCommands(json.RawMessage(baseRaw)); err != nil {
		return fmt.Errorf("loading base commands: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if entry.Name() == baseFile || entry.Name() == stateSchemaFile {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading schema %s: %w", entry.Name(), err)
		}
		category := strings.TrimSuffix(entry.Name(), ".json")
		if err := dict.LoadCommands(json.RawMessage(raw), category); err != nil {
			return fmt.Errorf("loading commands from %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// loadStateTypes reads the optional stateSchemaFile from dir. A missing
// file yields an empty type map rather than an error, since a device with
// no mutable state properties is valid.
func loadStateTypes(dir string) (map[string]*schema.PropType, error) {
	path := filepath.Join(dir, stateSchemaFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*schema.PropType{}, nil
		}
		return nil, fmt.Errorf("reading state schema %s: %w", path, err)
	}
	return schema.ParsePropertyTypes(json.RawMessage(raw))
}

// wireDiagnosticsStore records command lifecycle transitions and
// registration/sync milestones into the audit log, supplementing the
// in-memory command/state model with a queryable history (spec.md Non-goals
// do not exclude diagnostics).
func wireDiagnosticsStore(ctx context.Context, diagStore *store.Store, commandMgr *command.Manager, controller *registration.Controller, log *logging.Logger) {
	commandMgr.AddOnCommandAddedCallback(func(cmd *command.Command) {
		if err := diagStore.RecordCommandEvent(ctx, cmd.ID, cmd.Name, cmd.Status().String(), ""); err != nil {
			log.Warn("failed to record command event", "error", err)
		}
	})
	commandMgr.AddOnCommandRemovedCallback(func(cmd *command.Command) {
		detail := ""
		if err := cmd.LastError(); err != nil {
			detail = err.Error()
		}
		if err := diagStore.RecordCommandEvent(ctx, cmd.ID, cmd.Name, cmd.Status().String(), detail); err != nil {
			log.Warn("failed to record command event", "error", err)
		}
	})
	controller.AddOnGcdStateChangedCallback(func(s registration.GcdState) {
		if err := diagStore.RecordSyncEvent(ctx, "gcd_state", s.String(), ""); err != nil {
			log.Warn("failed to record sync event", "error", err)
		}
	})
}
