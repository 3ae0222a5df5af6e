// Command awgsrv compiles pulse sequences for a Tabor Proteus AWG and
// serves the instrument over HTTP.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/golaborate-awg/builder"
	"github.com/nasa-jpl/golaborate-awg/config"
	"github.com/nasa-jpl/golaborate-awg/proteus"
	"github.com/nasa-jpl/golaborate-awg/waveform"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	configFile string
	dotenvFile string

	enableFlag string
	finishFlag string
	jsonFlag   bool
	confirm    bool

	chirpFlags struct {
		ramp, fstart, fstop, duration float64
		reps                          int
		quadratic, reverse            bool
	}

	rootCmd *cobra.Command
)

func loadConfig() (config.Config, hclog.Logger, error) {
	c, err := config.Load(configFile, dotenvFile)
	if err != nil {
		return c, nil, err
	}
	return c, c.Logger("awgsrv", os.Stderr), nil
}

// prepare resets and configures the instrument when asked to
func prepare(dev *proteus.AWG, c config.Config) error {
	if !c.Initialize {
		return nil
	}
	if _, err := dev.Reset(); err != nil {
		return err
	}
	if err := dev.Initialize(); err != nil {
		return err
	}
	if c.AWG.Interpolation > 1 {
		if _, err := dev.SetInterpolation(c.AWG.Interpolation); err != nil {
			return err
		}
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	c, log, err := loadConfig()
	if err != nil {
		return err
	}
	dev, err := c.Open(log.Named("proteus"))
	if err != nil {
		return err
	}
	if err = prepare(dev, c); err != nil {
		return errors.Wrap(err, "preparing instrument")
	}
	mux := BuildMux(c, dev, log)
	log.Info("now listening for requests", "addr", c.Addr, "root", c.Root)
	return http.ListenAndServe(c.Addr, mux)
}

func compile(cmd *cobra.Command, args []string) error {
	c, log, err := loadConfig()
	if err != nil {
		return err
	}
	seq, err := loadSequence(args[0])
	if err != nil {
		return err
	}
	opt, err := options(enableFlag, finishFlag, c.AWG.Channel)
	if err != nil {
		return err
	}
	b, err := builder.New(c.AWG.Params(), log.Named("builder"))
	if err != nil {
		return err
	}
	plan, err := b.Plan(&seq, opt)
	if err != nil {
		return err
	}
	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan.Program)
	}
	return printPlan(os.Stdout, plan)
}

func newSpinner(msg string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + msg,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
		Writer:            os.Stderr,
	})
}

// withSpinner runs fn while a spinner is shown
func withSpinner(msg string, fn func() error) error {
	spin, err := newSpinner(msg)
	if err != nil {
		return err
	}
	if err = spin.Start(); err != nil {
		return err
	}
	if err = fn(); err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		return err
	}
	spin.StopMessage("done")
	return spin.Stop()
}

// outputOn turns the output on, after the operator confirms when --confirm
// is given
func outputOn(dev *proteus.AWG) error {
	if confirm {
		fmt.Fprint(os.Stderr, "program uploaded; press enter to turn the output on, ctrl-c to abort ")
		if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
			return errors.Wrap(err, "waiting for confirmation")
		}
	}
	return dev.Output(true)
}

func upload(cmd *cobra.Command, args []string) error {
	c, log, err := loadConfig()
	if err != nil {
		return err
	}
	seq, err := loadSequence(args[0])
	if err != nil {
		return err
	}
	opt, err := options(enableFlag, finishFlag, c.AWG.Channel)
	if err != nil {
		return err
	}
	dev, err := c.Open(log.Named("proteus"))
	if err != nil {
		return err
	}
	if err = prepare(dev, c); err != nil {
		return errors.Wrap(err, "preparing instrument")
	}
	var plan *builder.Plan
	err = withSpinner("uploading "+args[0], func() error {
		var err error
		plan, err = dev.LoadSequence(&seq, opt)
		return err
	})
	if err != nil {
		return err
	}
	log.Info("sequence loaded", "entries", plan.Program.Len(), "segments", plan.Segments.Len())
	return outputOn(dev)
}

func chirp(cmd *cobra.Command, args []string) error {
	c, log, err := loadConfig()
	if err != nil {
		return err
	}
	opt, err := options(enableFlag, finishFlag, c.AWG.Channel)
	if err != nil {
		return err
	}
	dev, err := c.Open(log.Named("proteus"))
	if err != nil {
		return err
	}
	if err = prepare(dev, c); err != nil {
		return errors.Wrap(err, "preparing instrument")
	}
	ch := builder.Chirp{
		ChirpParams: waveform.ChirpParams{
			RampTime: chirpFlags.ramp,
			FStart:   chirpFlags.fstart,
			FStop:    chirpFlags.fstop,
		},
		Reps:     chirpFlags.reps,
		Duration: chirpFlags.duration,
		Reverse:  chirpFlags.reverse,
	}
	if chirpFlags.quadratic {
		ch.Sweep = waveform.Quadratic
	}
	var plan *builder.Plan
	err = withSpinner("uploading chirp", func() error {
		var err error
		plan, err = dev.LoadChirp(ch, opt)
		return err
	})
	if err != nil {
		return err
	}
	log.Info("chirp loaded", "reps", plan.Program.Entries[0].Loop, "entries", plan.Program.Len())
	return outputOn(dev)
}

func mkconf(cmd *cobra.Command, args []string) error {
	c, _, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Create(configFile)
	if err != nil {
		return err
	}
	defer f.Close()
	return config.Write(f, c)
}

func printconf(cmd *cobra.Command, args []string) error {
	c, _, err := loadConfig()
	if err != nil {
		return err
	}
	return config.Write(os.Stdout, c)
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "awgsrv",
		Short: "Compile pulse sequences and drive a Proteus AWG",
		Long: `awgsrv compiles pulse sequences into segments and task tables for a Tabor
Proteus arbitrary waveform generator, and exposes the instrument over HTTP.

It is configured by its .yml file, a .env file and AWG_ environment
variables, in increasing precedence.  Use mkconf to write the defaults.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.FileName, "configuration file")
	rootCmd.PersistentFlags().StringVar(&dotenvFile, "env", ".env", "dotenv file")

	runCmd := &cobra.Command{Use: "run", Short: "Serve the AWG over HTTP", Args: cobra.NoArgs, RunE: run}

	compileCmd := &cobra.Command{
		Use:   "compile <sequence.yml>",
		Short: "Compile a sequence and print its segments and task table",
		Args:  cobra.ExactArgs(1),
		RunE:  compile,
	}
	compileCmd.Flags().BoolVar(&jsonFlag, "json", false, "print the task table as JSON")

	uploadCmd := &cobra.Command{
		Use:   "upload <sequence.yml>",
		Short: "Compile a sequence, upload it and turn the output on",
		Args:  cobra.ExactArgs(1),
		RunE:  upload,
	}

	chirpCmd := &cobra.Command{
		Use:   "chirp",
		Short: "Upload a repeated frequency sweep and turn the output on",
		Args:  cobra.NoArgs,
		RunE:  chirp,
	}
	chirpCmd.Flags().Float64Var(&chirpFlags.ramp, "ramp", 100e-6, "sweep time in seconds")
	chirpCmd.Flags().Float64Var(&chirpFlags.fstart, "fstart", 10e6, "start frequency in Hz")
	chirpCmd.Flags().Float64Var(&chirpFlags.fstop, "fstop", 100e6, "stop frequency in Hz")
	chirpCmd.Flags().Float64Var(&chirpFlags.duration, "duration", 1, "total play time in seconds when --reps is 0")
	chirpCmd.Flags().IntVar(&chirpFlags.reps, "reps", 0, "number of sweeps")
	chirpCmd.Flags().BoolVar(&chirpFlags.quadratic, "quadratic", false, "sweep quadratically in time")
	chirpCmd.Flags().BoolVar(&chirpFlags.reverse, "reverse", false, "also stage the reversed sweep as segment 2")

	for _, c := range []*cobra.Command{compileCmd, uploadCmd, chirpCmd} {
		c.Flags().StringVar(&enableFlag, "enable", "CPU", "enable source, CPU or TRG<n>")
		c.Flags().StringVar(&finishFlag, "finish", "", "wrap or stop; block programs wrap and repeats stop by default")
	}
	for _, c := range []*cobra.Command{uploadCmd, chirpCmd} {
		c.Flags().BoolVar(&confirm, "confirm", false, "wait for enter before turning the output on")
	}

	rootCmd.AddCommand(
		runCmd,
		compileCmd,
		uploadCmd,
		chirpCmd,
		&cobra.Command{Use: "mkconf", Short: "Write the configuration file with the current settings", Args: cobra.NoArgs, RunE: mkconf},
		&cobra.Command{Use: "conf", Short: "Print the configuration", Args: cobra.NoArgs, RunE: printconf},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("awgsrv version %v\n", Version)
			},
		},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
