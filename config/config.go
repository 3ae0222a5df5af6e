// Package config loads the settings of the AWG server.
//
// Settings are layered: compiled-in defaults, then the YAML file, then a
// .env file and the process environment.  Environment variables carry the
// AWG_ prefix and use a double underscore between levels, so
// AWG_AWG__SAMPLERATE=1.125e9 sets awg.sampleRate.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/golaborate-awg/comm"
	"github.com/nasa-jpl/golaborate-awg/proteus"
	"github.com/nasa-jpl/golaborate-awg/scpi"
)

const (
	// EnvPrefix is the prefix of environment variables that override the
	// configuration file
	EnvPrefix = "AWG_"

	// FileName is the default configuration file
	FileName = "awgsrv.yml"
)

// Serial is the configuration of a serial link to the instrument
type Serial struct {
	// Port is the device, for example /dev/ttyUSB0 or COM3.  Empty for TCP
	Port string `koanf:"port" yaml:"port"`

	// Baud is the line rate
	Baud int `koanf:"baud" yaml:"baud"`
}

// Config is the server configuration
type Config struct {
	// Addr is the address the HTTP server listens on
	Addr string `koanf:"addr" yaml:"addr"`

	// Root is the URL prefix of the AWG routes
	Root string `koanf:"root" yaml:"root"`

	// Instrument is the host:port of the AWG's SCPI socket
	Instrument string `koanf:"instrument" yaml:"instrument"`

	// Serial replaces the TCP link when Port is set
	Serial Serial `koanf:"serial" yaml:"serial"`

	// Timeout bounds a single command/response exchange
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// RateLimit caps commands per second, 0 for unlimited
	RateLimit float64 `koanf:"rateLimit" yaml:"rateLimit"`

	// LogLevel is one of trace, debug, info, warn, error
	LogLevel string `koanf:"logLevel" yaml:"logLevel"`

	// LogJSON switches the log output to JSON lines
	LogJSON bool `koanf:"logJSON" yaml:"logJSON"`

	// Initialize resets and initializes the instrument on startup
	Initialize bool `koanf:"initialize" yaml:"initialize"`

	AWG proteus.Config `koanf:"awg" yaml:"awg"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		Addr:       ":8000",
		Root:       "/awg",
		Instrument: "192.168.0.10:5025",
		Serial:     Serial{Baud: 115200},
		Timeout:    scpi.DefaultTimeout,
		RateLimit:  200,
		LogLevel:   "info",
		AWG:        proteus.DefaultConfig(),
	}
}

// Load layers defaults, the YAML file at path and the environment.  A
// missing file is not an error.  dotenv files are loaded into the
// environment first when they exist
func Load(path string, dotenv ...string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, errors.Wrap(err, "loading defaults")
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrapf(err, "loading %s", path)
	}

	var present []string
	for _, f := range dotenv {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) > 0 {
		if err := godotenv.Load(present...); err != nil {
			return Config{}, errors.Wrap(err, "loading .env")
		}
	}

	// env keys arrive lower case; map them back onto the known keys
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
		if v, ok := known[key]; ok {
			return v
		}
		return key
	}), nil)
	if err != nil {
		return Config{}, errors.Wrap(err, "loading environment")
	}

	var c Config
	err = k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc()),
			WeaklyTypedInput: true,
			Result:           &c,
		},
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "decoding configuration")
	}
	return c, nil
}

// Write encodes c as YAML
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

// Logger returns the logger described by c, writing to w
func (c Config) Logger(name string, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(c.LogLevel),
		JSONFormat: c.LogJSON,
		Output:     w,
		TimeFormat: "2006-01-02T15:04:05Z",
		TimeFn:     func() time.Time { return time.Now().UTC() },
	})
}

// Maker returns the connection maker for the configured link
func (c Config) Maker() comm.CreationFunc {
	if c.Serial.Port != "" {
		return comm.SerialConnMaker(&serial.Config{
			Name:        c.Serial.Port,
			Baud:        c.Serial.Baud,
			ReadTimeout: c.Timeout,
		})
	}
	return comm.BackingOffTCPConnMaker(c.Instrument, c.Timeout)
}

// SCPI returns a SCPI client for the configured link
func (c Config) SCPI() *scpi.SCPI {
	s := &scpi.SCPI{
		Pool:    comm.NewPool(1, time.Hour, c.Maker()),
		Timeout: c.Timeout,
	}
	if c.RateLimit > 0 {
		burst := int(c.RateLimit / 10)
		if burst < 1 {
			burst = 1
		}
		s.Limiter = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
	}
	return s
}

// Open connects an AWG as configured
func (c Config) Open(log hclog.Logger) (*proteus.AWG, error) {
	return proteus.NewWithSCPI(c.SCPI(), c.AWG, log)
}
