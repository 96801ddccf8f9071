package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/san-kum/orbitctl/internal/config"
	"github.com/san-kum/orbitctl/internal/correct"
	"github.com/san-kum/orbitctl/internal/hw"
	"github.com/san-kum/orbitctl/internal/lattice"
	"github.com/san-kum/orbitctl/internal/orbit"
	"github.com/san-kum/orbitctl/internal/proc"
	"github.com/san-kum/orbitctl/internal/session"
	"github.com/san-kum/orbitctl/internal/tui"
)

var (
	dataDir    string
	configFile string
	configName string
	modeName   string
	numIgnore  int
	numAverage int
	interval   time.Duration
	noTUI      bool
	applyFix   bool
	jitter     float64
	seed       int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orbitctl",
		Short: "closed-loop beam steering correction",
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".orbitctl", "data directory")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "correction config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&configName, "name", "demoline", "configuration name")
	rootCmd.PersistentFlags().StringVar(&modeName, "mode", "xy", "correction mode (x, y, xy)")
	rootCmd.PersistentFlags().Float64Var(&jitter, "jitter", 5e-5, "monitor noise sigma")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run an acquisition and propose a correction",
		RunE:  runAcquisition,
	}
	runCmd.Flags().IntVar(&numIgnore, "ignore", 1, "settling shots to discard per optic")
	runCmd.Flags().IntVar(&numAverage, "average", 2, "shots to record per optic")
	runCmd.Flags().DurationVar(&interval, "interval", proc.DefaultInterval, "poll interval")
	runCmd.Flags().BoolVar(&noTUI, "no-tui", false, "run headless")
	runCmd.Flags().BoolVar(&applyFix, "apply", false, "apply the proposed correction (headless)")

	fitCmd := &cobra.Command{
		Use:   "fit",
		Short: "fit the orbit from the current readouts",
		RunE:  runFit,
	}

	configsCmd := &cobra.Command{
		Use:   "configs",
		Short: "list correction configurations",
		RunE:  listConfigs,
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "list saved acquisition runs",
		RunE:  listSessions,
	}

	rootCmd.AddCommand(runCmd, fitCmd, configsCmd, sessionsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// demoModel is the built-in beamline: a steerer, a focusing quad and two
// downstream monitors.
func demoModel() *lattice.LinearModel {
	m := lattice.New()
	m.Append("start", 0, nil)
	m.Append("kick1", 0, lattice.Drift(1.0))
	m.Append("q1", 0, lattice.Compose(lattice.Drift(1.0), lattice.ThinQuad(0.8)))
	m.Append("monitor1", 0, lattice.Drift(1.0))
	m.Append("monitor2", 0, lattice.Drift(2.0))
	return m
}

func buildRig() (*lattice.LinearModel, *hw.SimBackend, *correct.Corrector, error) {
	model := demoModel()
	backend := hw.NewSimBackend(model, [4]float64{1e-3, 2e-4, -5e-4, 1e-4}, seed)
	backend.Jitter = jitter
	backend.SamplePeriod = 500 * time.Millisecond
	backend.AddKicker("ax_k1", "rad", "kick1", false)
	backend.AddKicker("ay_k1", "rad", "kick1", true)
	backend.AddMonitor("monitor1")
	backend.AddMonitor("monitor2")

	file := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, nil, nil, err
		}
		file = loaded
	}
	cfg, err := file.Get(configName)
	if err != nil {
		return nil, nil, nil, err
	}
	mode, err := correct.ParseMode(modeName)
	if err != nil {
		return nil, nil, nil, err
	}

	cor := correct.New(model, backend, backend.Sampler(), nil)
	if err := cor.Setup(configName, cfg, mode); err != nil {
		return nil, nil, nil, err
	}
	return model, backend, cor, nil
}

func runAcquisition(cmd *cobra.Command, args []string) error {
	_, _, cor, err := buildRig()
	if err != nil {
		return err
	}
	bot := proc.New(cor)

	if !noTUI {
		monitor := tui.NewMonitor(cor, bot, interval, numIgnore, numAverage)
		if _, err := tea.NewProgram(monitor).Run(); err != nil {
			return err
		}
		return saveSession(cor)
	}

	if err := bot.Start(numIgnore, numAverage); err != nil {
		return err
	}
	if err := bot.Run(context.Background(), interval); err != nil {
		return err
	}
	fmt.Printf("acquisition %s: %d records\n", bot.State(), len(cor.Records()))

	if fit := cor.FitResults(); fit != nil {
		printFit(*fit)
	}

	if err := cor.UpdateReadouts(); err != nil {
		return err
	}
	proposed, err := cor.ComputeCorrection()
	if err != nil {
		return err
	}
	fmt.Println("proposed correction:")
	for _, name := range cor.Variables() {
		fmt.Printf("  %-10s %12.6g\n", name, proposed[name])
	}
	if applyFix {
		if err := cor.Apply(); err != nil {
			return err
		}
		fmt.Println("applied")
	}
	return saveSession(cor)
}

func saveSession(cor *correct.Corrector) error {
	if len(cor.Records()) == 0 {
		return nil
	}
	store := session.New(dataDir)
	if err := store.Init(); err != nil {
		return err
	}
	id, err := store.Save(cor, numIgnore, numAverage)
	if err != nil {
		return err
	}
	fmt.Printf("saved session %s\n", id)
	return nil
}

func runFit(cmd *cobra.Command, args []string) error {
	model, backend, cor, err := buildRig()
	if err != nil {
		return err
	}
	backend.SamplePeriod = 0 // every read is a fresh frame

	if err := cor.AddRecord(0, 0); err != nil {
		return err
	}
	if err := cor.AddRecord(0, 1); err != nil {
		return err
	}
	fit, err := cor.UpdateFit()
	if err != nil {
		return err
	}
	printFit(fit)

	readouts := make([]orbit.Readout, 0, len(cor.Readouts()))
	for _, r := range cor.Readouts() {
		readouts = append(readouts, orbit.Readout{Monitor: r.Name, PosX: r.PosX, PosY: r.PosY})
	}
	init, _, err := orbit.FitBackward(model, readouts, "start")
	if err != nil {
		return err
	}
	fmt.Printf("injected beam: x %.6g  px %.6g  y %.6g  py %.6g\n",
		init[0], init[1], init[2], init[3])
	return nil
}

func printFit(fit orbit.FitOutcome) {
	fmt.Printf("fit: x %.6g  px %.6g  y %.6g  py %.6g  chi2 %.3g\n",
		fit.X[0], fit.X[1], fit.X[2], fit.X[3], fit.ChiSquared)
	if fit.Singular {
		fmt.Println("warning: underdetermined fit (rank < 4)")
	}
}

func listConfigs(cmd *cobra.Command, args []string) error {
	file := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		file = loaded
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMONITORS\tSTEERERS\tOPTICS\tMETHOD")
	for _, name := range file.Names() {
		c := file.Corrections[name]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", name,
			len(c.Monitors), len(c.Steerers.X)+len(c.Steerers.Y), len(c.Optics), c.Method)
	}
	return w.Flush()
}

func listSessions(cmd *cobra.Command, args []string) error {
	store := session.New(dataDir)
	runs, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tMODE\tRECORDS\tCHI2")
	for _, r := range runs {
		chi2 := "-"
		if r.Fit != nil {
			chi2 = fmt.Sprintf("%.3g", r.Fit.ChiSquared)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID,
			r.Timestamp.Format("2006-01-02 15:04:05"), r.Mode, r.Records, chi2)
	}
	return w.Flush()
}
