// tapemgr backs files up to an LTFS tape library, encrypting names and
// contents, and keeps a catalog of which tape holds the latest copy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/pflag"

	"ltfs-tapemgr/catalog"
	"ltfs-tapemgr/filecrypt"
	"ltfs-tapemgr/journal"
	"ltfs-tapemgr/manager"
	"ltfs-tapemgr/namecrypt"
	"ltfs-tapemgr/offsite"
	"ltfs-tapemgr/tapehardware"
	"ltfs-tapemgr/utils"
)

// actions that work on encrypted names
var needsNames = map[string]bool{"store": true, "list": true, "find": true, "copyback": true}

// actions that leave a tape in the drive and end with the shutdown pass
var needsShutdown = map[string]bool{"format": true, "store": true, "index": true, "copyback": true}

// actions that move tapes; a failure in any of them runs the shutdown pass
var touchesLibrary = map[string]bool{
	"format": true, "store": true, "unload": true, "index": true, "mount": true,
	"copyback": true, "export": true, "import": true,
}

type simulation struct {
	dir      string
	slots    int
	capacity int64
}

func main() {
	configFile := os.Getenv("TAPEMGR_CONFIG")
	if configFile == "" {
		configFile = DEFAULT_CONFIG_FILE
	}
	config, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("tapemgr", pflag.ContinueOnError)
	config.addFlags(flags)
	var sim simulation
	flags.StringVar(&sim.dir, "simulate", "", "run against a simulated library kept in this directory")
	flags.IntVar(&sim.slots, "sim-slots", DEFAULT_SIM_SLOTS, "storage slots of the simulated library")
	flags.Int64Var(&sim.capacity, "sim-capacity", DEFAULT_SIM_CAPACITY, "size in bytes of every simulated tape")
	clean := flags.Bool("clean", false, "clear the log file before the run")
	flags.Usage = func() { usage(flags) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(1)
	}
	args := flags.Args()
	if len(args) == 0 {
		usage(flags)
		os.Exit(1)
	}
	action, args := args[0], args[1:]

	run := utils.NewID()
	logger, err := newLogger(config.LogFile, *clean)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: opening log file %s: %v\n", config.LogFile, err)
		os.Exit(1)
	}
	logger = logger.With("run", run)
	if err := config.validate(action, sim.dir != ""); err != nil {
		logger.Fatal("invalid configuration", "config", configFile, "error", err)
	}

	ctx := context.Background()
	a, err := newApp(ctx, config, sim, action, args, run, logger)
	if err != nil {
		logger.Fatal("startup failed", "error", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Event("stop requested, finishing the file in flight", "signal", sig.String())
		a.manager.RequestCancel()
	}()

	logger.Event("tapemgr starting", "action", action, "args", args, "dry-run", config.DryRun, "simulate", sim.dir)
	err = a.run(ctx, action, args, os.Stdout)
	a.close()
	if err != nil {
		logger.Fatal("action failed", "action", action, "error", err)
	}
	logger.Event("tapemgr done", "action", action)
	logger.Close()
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: tapemgr [flags] <action> [args]

Actions:
  format                                  format the next new tape
  store <paths...>                        back up files and directories
  unload                                  unmount and return the tape in the drive
  index <barcode>                         rebuild the catalog of a tape from its contents
  list                                    print the best copy of every file
  find <path>                             print every copy of a file
  mount <barcode>                         mount a tape and leave it mounted
  copyback <barcode> <key> <dest> <names...>
                                          restore files ("*" for all) using age
                                          identity <key> ("-" for the configured one)
  statistics                              print tape usage and the last run
  export <barcode>                        move a tape to the i/o port
  import                                  move a tape from the i/o port to storage

The config file is $TAPEMGR_CONFIG or %s.

Flags:
`, DEFAULT_CONFIG_FILE)
	flags.PrintDefaults()
}

func newLogger(filename string, clean bool) (*utils.Logger, error) {
	if filename == "" {
		return utils.NewLoggerTo(os.Stderr), nil
	}
	return utils.NewLogger(filename, clean)
}

type app struct {
	config  Config
	manager *manager.Manager
	journal *journal.Journal
	logger  *utils.Logger
}

func newApp(ctx context.Context, config Config, sim simulation, action string, args []string, run string, logger *utils.Logger) (*app, error) {
	library, drive, space, driveIndex, err := openLibrary(ctx, config, sim, logger)
	if err != nil {
		return nil, err
	}
	storage, err := catalog.Open(config.CatalogDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening catalog %s: %w", config.CatalogDir, err)
	}

	var names *namecrypt.NameCryptor
	if config.NameKeyFile != "" {
		key, err := namecrypt.LoadKey(config.NameKeyFile)
		if err != nil {
			return nil, err
		}
		if names, err = namecrypt.NewNameCryptor(key); err != nil {
			return nil, err
		}
	}
	identity := config.AgeIdentityFile
	if action == "copyback" && len(args) > 1 && args[1] != "-" {
		identity = args[1]
	}
	files, err := filecrypt.New(config.AgeRecipientsFile, identity)
	if err != nil {
		return nil, err
	}

	m := manager.New(manager.Options{
		MountPoint:    config.TapeMount,
		DriveIndex:    driveIndex,
		IncludeHidden: config.IncludeHidden,
		DryRun:        config.DryRun,
		BarcodePrefix: config.BarcodePrefix,
		BarcodeSuffix: config.BarcodeSuffix,
		MediaType:     config.MediaType,
		Space:         space,
	}, tapehardware.NewChanger(library, logger), drive, storage, names, files, utils.NewCancel(), logger)
	a := &app{config: config, manager: m, logger: logger}

	if config.Journal != "" {
		if a.journal, err = journal.Open(config.Journal, run); err != nil {
			return nil, err
		}
		m.SetJournal(a.journal)
	}
	if config.Offsite.Bucket != "" {
		mirror, err := offsite.NewS3Mirror(ctx, config.Offsite.Region, config.Offsite.Bucket, config.Offsite.Prefix, logger)
		if err != nil {
			return nil, err
		}
		if err := mirror.Check(ctx); err != nil {
			logger.Warn("offsite mirror unavailable", "error", err)
		}
		m.SetMirror(mirror)
	}
	return a, nil
}

// openLibrary picks the changer backend and the drive, and resolves the
// drive index.
func openLibrary(ctx context.Context, config Config, sim simulation, logger *utils.Logger) (tapehardware.TapeLibrary, tapehardware.TapeDrive, catalog.SpaceFunc, int, error) {
	if sim.dir != "" {
		var blanks []string
		for seq := 1; seq < sim.slots; seq++ {
			blanks = append(blanks, manager.Barcode(config.BarcodePrefix, config.BarcodeSuffix, config.MediaType, seq))
		}
		library, err := tapehardware.NewTapeLibrarySimulator(sim.dir, tapehardware.SimulatorConfig{
			StorageSlots: sim.slots,
			PortSlots:    1,
			Capacity:     sim.capacity,
			Blanks:       blanks,
		}, logger)
		if err != nil {
			return nil, nil, nil, 0, err
		}
		return library, library.Drive(), library.Space, 0, nil
	}

	runner := utils.NewExecRunner(logger)
	drive := tapehardware.NewLTFSDrive(config.DriveDevice, runner, logger)
	drive.MountTarget = config.TapeMount
	if config.ChangerMode == "mtx" {
		return tapehardware.NewMtxLibrary(config.ChangerDevice, runner), drive, catalog.StatfsSpace, config.DriveIndex, nil
	}
	library := tapehardware.NewScsiLibrary(config.ChangerDevice, runner)
	index := config.DriveIndex
	if config.DriveSerial != "" {
		var err error
		if index, err = library.DriveIndexBySerial(ctx, config.DriveSerial); err != nil {
			return nil, nil, nil, 0, err
		}
		logger.Event("drive found", "serial", config.DriveSerial, "index", index)
	}
	return library, drive, catalog.StatfsSpace, index, nil
}

func (a *app) close() {
	if a.journal != nil {
		a.journal.Close()
	}
}

// run performs action, then the shutdown pass when the action leaves the
// library busy or failed part way.
func (a *app) run(ctx context.Context, action string, args []string, out io.Writer) error {
	err := a.dispatch(ctx, action, args, out)
	if needsShutdown[action] || (err != nil && touchesLibrary[action]) {
		if serr := a.manager.Shutdown(ctx); serr != nil {
			if err == nil {
				return serr
			}
			a.logger.Warn("shutdown failed", "error", serr)
		}
	}
	return err
}

func wantArgs(action string, args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("%s needs %d argument(s), got %d", action, n, len(args))
	}
	return nil
}

func (a *app) dispatch(ctx context.Context, action string, args []string, out io.Writer) error {
	m := a.manager
	switch action {
	case "format":
		barcode, err := m.Format(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Formatted tape with barcode %q\n", barcode)

	case "store":
		if err := wantArgs(action, args, 1); err != nil {
			return err
		}
		return m.Store(ctx, args)

	case "unload":
		return m.Unload(ctx)

	case "index":
		if err := wantArgs(action, args, 1); err != nil {
			return err
		}
		return m.IndexTape(ctx, args[0])

	case "list":
		for _, e := range m.ListAllBest() {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", e.Path, e.Tape.Barcode, utils.FormatSize(e.Info.Size), utils.FormatMtime(e.Info.Mtime))
		}

	case "find":
		if err := wantArgs(action, args, 1); err != nil {
			return err
		}
		copies, best, err := m.Find(args[0])
		if err != nil {
			return err
		}
		for _, c := range copies {
			fmt.Fprintf(out, "Found copy of file on %q, size %s, mtime %s\n", c.Tape.Barcode, utils.FormatSize(c.Info.Size), utils.FormatMtime(c.Info.Mtime))
		}
		if best.Info.IsTombstone() {
			fmt.Fprintf(out, "File was deleted at %s (recorded on %q)\n", utils.FormatMtime(best.Info.Mtime), best.Tape.Barcode)
		} else {
			fmt.Fprintf(out, "Best copy is on %q, size %s, mtime %s\n", best.Tape.Barcode, utils.FormatSize(best.Info.Size), utils.FormatMtime(best.Info.Mtime))
		}

	case "mount":
		if err := wantArgs(action, args, 1); err != nil {
			return err
		}
		mountpoint, err := m.Mount(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Tape %s mounted at %s; umount %s before running unload\n", args[0], mountpoint, mountpoint)

	case "copyback":
		if err := wantArgs(action, args, 4); err != nil {
			return err
		}
		return m.Copyback(ctx, args[0], args[2], args[3:])

	case "statistics":
		return a.statistics(out)

	case "export":
		if err := wantArgs(action, args, 1); err != nil {
			return err
		}
		return m.Export(ctx, args[0])

	case "import":
		barcode, known, err := m.Import(ctx)
		if err != nil {
			return err
		}
		if known {
			fmt.Fprintf(out, "Imported tape %q\n", barcode)
		} else {
			fmt.Fprintf(out, "Imported unknown tape %q; run index or format\n", barcode)
		}

	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

func (a *app) statistics(out io.Writer) error {
	stats, err := a.manager.Statistics()
	if err != nil {
		return err
	}
	for _, t := range stats.Tapes {
		full := int64(0)
		if t.Size > 0 {
			full = 100 * t.Used / t.Size
		}
		fmt.Fprintf(out, "Tape: %s, Free: %s / %s (%d%% full), files: %d, deleted: %d\n",
			t.Barcode, utils.FormatSize(t.Free), utils.FormatSize(t.Size), full, t.Files, t.Tombstones)
	}
	if stats.Run == "" {
		return nil
	}
	started := stats.Run
	if at, err := utils.TimeFromID(stats.Run); err == nil {
		started = at.Format("2006-01-02 15:04:05")
	}
	fmt.Fprintf(out, "Last run %s started %s:\n", stats.Run, started)
	actions := make([]string, 0, len(stats.Counts))
	for action := range stats.Counts {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	for _, action := range actions {
		fmt.Fprintf(out, "  %s %d\n", action, stats.Counts[action])
	}
	return nil
}
