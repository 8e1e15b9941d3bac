package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DEFAULT_CONFIG_FILE  string = "/etc/tapemgr/config.yml"
	DEFAULT_CATALOG_DIR  string = "/var/lib/tapemgr/tapes"
	DEFAULT_TAPE_MOUNT   string = "/mnt/tape"
	DEFAULT_SIM_SLOTS    int    = 16
	DEFAULT_SIM_CAPACITY int64  = 2_500_000_000_000
)

type OffsiteConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// the format of the yaml config file; every key can also be given as a flag
type Config struct {
	ChangerDevice     string        `yaml:"changer-device"`
	ChangerMode       string        `yaml:"changer-mode"`
	DriveDevice       string        `yaml:"drive-device"`
	DriveIndex        int           `yaml:"drive-index"`
	DriveSerial       string        `yaml:"drive-serial"`
	TapeMount         string        `yaml:"tape-mount"`
	CatalogDir        string        `yaml:"catalog-dir"`
	Journal           string        `yaml:"journal"`
	AgeRecipientsFile string        `yaml:"age-recipients-file"`
	AgeIdentityFile   string        `yaml:"age-identity-file"`
	NameKeyFile       string        `yaml:"name-key-file"`
	BarcodePrefix     string        `yaml:"barcode-prefix"`
	BarcodeSuffix     string        `yaml:"barcode-suffix"`
	MediaType         string        `yaml:"media-type"`
	IncludeHidden     bool          `yaml:"include-hidden"`
	DryRun            bool          `yaml:"dry-run"`
	LogFile           string        `yaml:"log-file"`
	Offsite           OffsiteConfig `yaml:"offsite"`
}

func defaultConfig() Config {
	return Config{
		ChangerMode:   "scsi",
		TapeMount:     DEFAULT_TAPE_MOUNT,
		CatalogDir:    DEFAULT_CATALOG_DIR,
		BarcodePrefix: "P",
		BarcodeSuffix: "S",
		MediaType:     "L6",
	}
}

// loadConfig reads path over the defaults. A missing file leaves the
// defaults in place; unknown keys are an error.
func loadConfig(path string) (Config, error) {
	config := defaultConfig()
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return config, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return config, fmt.Errorf("parsing %s: %w", path, err)
	}
	return config, nil
}

// addFlags binds every config key to a flag of the same name, with the
// loaded value as its default.
func (c *Config) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.ChangerDevice, "changer-device", c.ChangerDevice, "SCSI generic device of the media changer")
	flags.StringVar(&c.ChangerMode, "changer-mode", c.ChangerMode, "changer backend: scsi or mtx")
	flags.StringVar(&c.DriveDevice, "drive-device", c.DriveDevice, "non-rewinding st device of the tape drive, e.g. /dev/nst0")
	flags.IntVar(&c.DriveIndex, "drive-index", c.DriveIndex, "changer relative index of the drive")
	flags.StringVar(&c.DriveSerial, "drive-serial", c.DriveSerial, "find the drive index by serial number (scsi mode)")
	flags.StringVar(&c.TapeMount, "tape-mount", c.TapeMount, "mountpoint of the tape filesystem")
	flags.StringVar(&c.CatalogDir, "catalog-dir", c.CatalogDir, "directory of the per tape catalog files")
	flags.StringVar(&c.Journal, "journal", c.Journal, "sqlite journal of store decisions (optional)")
	flags.StringVar(&c.AgeRecipientsFile, "age-recipients-file", c.AgeRecipientsFile, "age recipients files are encrypted to")
	flags.StringVar(&c.AgeIdentityFile, "age-identity-file", c.AgeIdentityFile, "age identity used by copyback")
	flags.StringVar(&c.NameKeyFile, "name-key-file", c.NameKeyFile, "AES key for file names, raw or base64")
	flags.StringVar(&c.BarcodePrefix, "barcode-prefix", c.BarcodePrefix, "prefix of new barcodes")
	flags.StringVar(&c.BarcodeSuffix, "barcode-suffix", c.BarcodeSuffix, "suffix of new barcodes")
	flags.StringVar(&c.MediaType, "media-type", c.MediaType, "media type code of new barcodes")
	flags.BoolVar(&c.IncludeHidden, "include-hidden", c.IncludeHidden, "back up dot files")
	flags.BoolVar(&c.DryRun, "dry-run", c.DryRun, "log decisions without writing tapes or the catalog")
	flags.StringVar(&c.LogFile, "log-file", c.LogFile, "log file for this run (stderr only when empty)")
	flags.StringVar(&c.Offsite.Bucket, "offsite-bucket", c.Offsite.Bucket, "S3 bucket mirroring the catalog")
	flags.StringVar(&c.Offsite.Region, "offsite-region", c.Offsite.Region, "region of the offsite bucket")
	flags.StringVar(&c.Offsite.Prefix, "offsite-prefix", c.Offsite.Prefix, "key prefix in the offsite bucket")
}

// validate checks the keys action needs.
func (c Config) validate(action string, simulate bool) error {
	if c.ChangerMode != "scsi" && c.ChangerMode != "mtx" {
		return fmt.Errorf("changer-mode %q: must be scsi or mtx", c.ChangerMode)
	}
	if !simulate && (c.ChangerDevice == "" || c.DriveDevice == "") {
		return errors.New("changer-device and drive-device are required")
	}
	if c.CatalogDir == "" {
		return errors.New("catalog-dir is required")
	}
	if needsNames[action] && c.NameKeyFile == "" {
		return fmt.Errorf("%s needs name-key-file", action)
	}
	if action == "store" && c.AgeRecipientsFile == "" {
		return errors.New("store needs age-recipients-file")
	}
	return nil
}
