// veillock - session locker with a privilege-separated credential worker
//
// The process locks the session through the compositor's session-lock
// protocol and holds it until the user's passphrase verifies against
// the system credential store. Verification runs in a separate worker
// process that keeps its privileges only long enough to read the shadow
// entry; the parent drops its own privileges before touching the
// display.
//
// Exit codes: 0 after a clean unlock, 1 for configuration or internal
// faults, 2 when the session lock could not be established or was
// revoked.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/awnumar/memguard"

	"veillock/internal/app"
	"veillock/internal/auth"
	"veillock/internal/config"
	"veillock/internal/logging"
	"veillock/internal/session"
	"veillock/internal/wake"
)

const (
	exitUnlocked  = 0
	exitFault     = 1
	exitNotLocked = 2
)

// imageList collects repeated -image flags.
type imageList []config.ImageRule

func (l *imageList) String() string { return fmt.Sprintf("%d image rules", len(*l)) }

func (l *imageList) Set(arg string) error {
	rule, err := config.ParseImageArg(arg)
	if err != nil {
		return err
	}
	*l = append(*l, rule)
	return nil
}

var (
	configPath  = flag.String("config", "", "config file path (default: auto-discover)")
	ignoreEmpty = flag.Bool("ignore-empty-password", true, "never submit an empty passphrase")
	noIndicator = flag.Bool("no-unlock-indicator", false, "disable the unlock indicator")
	radius      = flag.Int("indicator-radius", 50, "indicator radius in pixels")
	thickness   = flag.Int("indicator-thickness", 10, "indicator ring thickness in pixels")
	bgColor     = flag.String("color", "", "background color as rrggbb[aa]")
	scaling     = flag.String("scaling", "fill", "background scaling mode")
	font        = flag.String("font", "", "indicator font")
	readyFd     = flag.Int("ready-fd", -1, "fd that receives a newline once the lock is confirmed")
	logLevel    = flag.String("log-level", "", "minimum log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "", "log output format (text, json)")
	images      imageList
)

func main() {
	// The worker re-exec lands here with the sentinel set; nothing else
	// may run first, it still holds the setuid privileges.
	if auth.IsWorker() {
		os.Exit(auth.RunWorker())
	}

	exitAfterPurge(run(), os.Exit)
}

// exitAfterPurge wipes all protected memory before terminating.
// os.Exit skips deferred calls, so the purge has to run explicitly on
// the way out.
func exitAfterPurge(code int, exit func(int)) {
	memguard.Purge()
	exit(code)
}

func run() int {
	flag.Var(&images, "image", "background image as [[<output>]:]<path>, repeatable")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFault
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFault
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFault
	}
	log := logging.Setup(logging.Config{
		Level:     level,
		Format:    format,
		Component: "veillock",
	})

	// The worker must exist before privileges go away: reading the
	// shadow entry is exactly what the privilege is for.
	worker, err := auth.Spawn()
	if err != nil {
		log.Error("credential worker spawn failed", "error", err)
		return exitFault
	}
	if err := auth.DropPrivileges(); err != nil {
		log.Error("privilege drop failed", "error", err)
		worker.Close()
		return exitFault
	}

	hint, err := session.NewLogind(log)
	if err != nil {
		log.Debug("logind unavailable", "error", err)
		hint = nil
	}

	a, err := app.New(app.Options{
		Config: cfg,
		Worker: worker,
		NewBinding: func(h session.Handlers) (session.Binding, error) {
			return session.NewWayland(h, config.NewImageSet(cfg.Images), cfg.Colors.Background, log)
		},
		Hint: appHint(hint),
		Log:  log,
	})
	if err != nil {
		log.Error("startup failed", "error", err)
		worker.Close()
		return exitFault
	}

	stop := wake.NotifyOnSignal(a.Wake(), syscall.SIGUSR1, syscall.SIGTERM, os.Interrupt)
	defer stop()

	switch err := a.Run(); {
	case err == nil:
		log.Info("session unlocked")
		return exitUnlocked
	case errors.Is(err, session.ErrSessionFault):
		log.Error("session lock lost", "error", err)
		return exitNotLocked
	default:
		log.Error("locker fault", "error", err)
		return exitFault
	}
}

// appHint keeps a typed-nil *Logind from reaching the App as a non-nil
// interface.
func appHint(hint *session.Logind) app.LockedHinter {
	if hint == nil {
		return nil
	}
	return hint
}

// loadConfig merges explicitly-set flags over the config file over the
// defaults.
func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ignore-empty-password":
			cfg.IgnoreEmptyPassword = *ignoreEmpty
		case "no-unlock-indicator":
			cfg.ShowIndicator = !*noIndicator
		case "indicator-radius":
			cfg.IndicatorRadius = *radius
		case "indicator-thickness":
			cfg.IndicatorThickness = *thickness
		case "color":
			c, err := config.ParseColor(*bgColor)
			if err != nil {
				flagErr = errors.Join(flagErr, err)
				return
			}
			cfg.Colors.Background = c
		case "scaling":
			m, err := config.ParseMode(*scaling)
			if err != nil {
				flagErr = errors.Join(flagErr, err)
				return
			}
			cfg.Scaling = m
		case "font":
			cfg.Font = *font
		case "ready-fd":
			cfg.ReadyFd = *readyFd
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "image":
			cfg.Images = append(cfg.Images, images...)
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
