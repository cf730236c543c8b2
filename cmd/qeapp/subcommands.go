package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	xssh "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/qeapp/internal/core"
	"github.com/3cpo-dev/qeapp/internal/launcher"
	"github.com/3cpo-dev/qeapp/internal/protocol"
	"github.com/3cpo-dev/qeapp/internal/remote"
	"github.com/3cpo-dev/qeapp/pkg/api"
)

const defaultStageCommand = "qeapp-stage"

// Load settings. A missing default config file yields empty settings.
func loadSettings(cmd *cobra.Command) (core.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		def := filepath.Join(core.ConfigDir(), "pipeline.yaml")
		if _, err := os.Stat(def); errors.Is(err, os.ErrNotExist) {
			return core.Settings{}, nil
		}
	}
	return core.LoadConfig(path)
}

// Open the run history database
func openStore(cmd *cobra.Command, s core.Settings) (*core.Store, error) {
	path, _ := cmd.Flags().GetString("store")
	if path == "" {
		path = s.Store.Path
	}
	if path == "" {
		path = filepath.Join(core.ConfigDir(), "qeapp.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("mkdir store dir: %w", err)
	}
	return core.NewStore(path)
}

// Initialize a pipeline configuration from a protocol
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a pipeline configuration prepopulated from a protocol. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			structurePath, _ := cmd.Flags().GetString("structure")
			out, _ := cmd.Flags().GetString("config")
			force, _ := cmd.Flags().GetBool("force")
			if out == "" {
				out = filepath.Join(core.ConfigDir(), "pipeline.yaml")
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}

			opts := core.ProtocolOptions{}
			opts.Protocol, _ = cmd.Flags().GetString("protocol")
			opts.PwCode, _ = cmd.Flags().GetString("pw-code")
			opts.DosCode, _ = cmd.Flags().GetString("dos-code")
			opts.ProjwfcCode, _ = cmd.Flags().GetString("projwfc-code")
			opts.PseudoFamily, _ = cmd.Flags().GetString("pseudo-family")
			opts.RelaxType, _ = cmd.Flags().GetString("relax-type")
			opts.CleanWorkdir, _ = cmd.Flags().GetBool("clean-workdir")
			if opts.PseudoFamily == "" {
				fam, err := protocol.PseudoFamily(opts.Protocol)
				if err != nil {
					return err
				}
				opts.PseudoFamily = fam
			}

			absStructure, err := filepath.Abs(structurePath)
			if err != nil {
				return err
			}
			st, err := core.LoadStructure(absStructure)
			if err != nil {
				return err
			}
			cfg, err := core.FromProtocol(st, protocol.Builtin{}, opts)
			if err != nil {
				return err
			}
			cfg.Structure = nil
			cfg.StructureFile = absStructure

			settings := core.Settings{Pipeline: *cfg}
			settings.Remote.Port = 22
			settings.Remote.Command = defaultStageCommand
			settings.Remote.Retries = 2
			settings.Cleanup.Concurrency = 4
			data, err := yaml.Marshal(settings)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
				return fmt.Errorf("mkdir config dir: %w", err)
			}
			if err := os.WriteFile(out, data, 0600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s protocol, stages: %s)\n", out, protocolName(opts.Protocol), planString(cfg.Plan()))

			if skip, _ := cmd.Flags().GetBool("no-keygen"); skip {
				return nil
			}
			return ensureKeys(cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("structure", "", "structure file (YAML)")
	cmd.Flags().String("protocol", protocol.Default, "protocol: "+strings.Join(protocol.Names(), ", "))
	cmd.Flags().String("pw-code", "", "pw.x code label")
	cmd.Flags().String("dos-code", "", "dos.x code label (enables pdos together with --projwfc-code)")
	cmd.Flags().String("projwfc-code", "", "projwfc.x code label")
	cmd.Flags().String("pseudo-family", "", "pseudopotential family (defaults to the protocol's)")
	cmd.Flags().String("relax-type", "", "relaxation type: none, positions, positions_cell")
	cmd.Flags().Bool("clean-workdir", false, "clean remote folders when the pipeline terminates")
	cmd.Flags().Bool("force", false, "overwrite an existing configuration")
	cmd.Flags().Bool("no-keygen", false, "do not generate an SSH key")
	_ = cmd.MarkFlagRequired("structure")
	_ = cmd.MarkFlagRequired("pw-code")
	return cmd
}

// Generate an SSH key if needed and prepare the known_hosts file
func ensureKeys(w io.Writer) error {
	keyPath := remote.DefaultKeyPath()
	if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
		pub, err := remote.GenerateEd25519Keypair(keyPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "generated %s; authorize it on the cluster:\n%s", keyPath, pub)
	}
	return remote.EnsureKnownHostsFile(remote.DefaultKnownHostsPath())
}

// Run the pipeline
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured pipeline and wait for it to terminate",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			cfg := &settings.Pipeline
			applyRunFlags(cmd, cfg)
			asJSON, _ := cmd.Flags().GetBool("json")
			if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
				if err := cfg.Validate(); err != nil {
					return err
				}
				return printDryRun(cmd.OutOrStdout(), cfg, asJSON)
			}

			store, err := openStore(cmd, settings)
			if err != nil {
				return err
			}
			defer store.Close()
			client, err := remote.NewClient(settings.Remote)
			if err != nil {
				return err
			}
			command := settings.Remote.Command
			if command == "" {
				command = defaultStageCommand
			}
			l, err := launcher.New(launcher.SessionOpener(client), launcher.Options{
				Host:    settings.Remote.Host,
				Workdir: settings.Remote.Workdir,
				Command: command,
			})
			if err != nil {
				return err
			}
			cleaner := remote.NewFolderCleaner(settings.Remote.Host, client.Open)
			defer cleaner.Close()

			o := core.New(l,
				core.WithStore(store),
				core.WithReleaser(cleaner),
				core.WithCleanupConcurrency(settings.Cleanup.Concurrency),
				core.WithLogger(log.Logger),
			)
			rep, runErr := o.Run(cmd.Context(), cfg)
			if rep == nil {
				return runErr
			}
			for _, s := range cfg.Plan() {
				st := o.Metrics().Stats(s)
				log.Debug().Str("stage", s.String()).Int64("submitted", st.Submitted).Int64("failed", st.Failed).
					Dur("duration", st.Duration).Msg("stage metrics")
			}
			if err := printReport(cmd.OutOrStdout(), rep, asJSON); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().Bool("clean-workdir", false, "clean remote folders of all calculations when the pipeline terminates")
	cmd.Flags().Float64("kpoints-distance", 0, "override the k-points distance of every scf calculation")
	cmd.Flags().Float64("degauss", 0, "override the smearing width of every scf calculation")
	cmd.Flags().String("smearing", "", "override the smearing scheme of every scf calculation")
	cmd.Flags().Bool("dry-run", false, "print the resolved settings without launching anything")
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

// Apply flags that were set explicitly on top of the configuration
func applyRunFlags(cmd *cobra.Command, cfg *core.Config) {
	f := cmd.Flags()
	if f.Changed("clean-workdir") {
		cfg.CleanWorkdir, _ = f.GetBool("clean-workdir")
	}
	if f.Changed("kpoints-distance") {
		v, _ := f.GetFloat64("kpoints-distance")
		cfg.Overrides.KpointsDistance = &v
	}
	if f.Changed("degauss") {
		v, _ := f.GetFloat64("degauss")
		cfg.Overrides.Degauss = &v
	}
	if f.Changed("smearing") {
		v, _ := f.GetString("smearing")
		cfg.Overrides.Smearing = &v
	}
}

func printDryRun(w io.Writer, cfg *core.Config, asJSON bool) error {
	sum := core.Summarize(cfg)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Stages  []string     `json:"stages"`
			Summary core.Summary `json:"summary"`
		}{stageStrings(cfg.Plan()), sum})
	}
	fmt.Fprintf(w, "stages: %s\n", planString(cfg.Plan()))
	data, err := yaml.Marshal(sum)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func printReport(w io.Writer, rep *core.Report, asJSON bool) error {
	r := toAPIReport(rep)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "run %s %s (state %s, exit code %d)\n", r.RunID, statusString(r.Status), r.State, r.ExitCode)
	for _, s := range r.Stages {
		status := color.GreenString("ok")
		if !s.OK {
			status = color.RedString("failed with exit status %d", s.SubExitStatus)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Stage, s.InvocationID, status)
	}
	if len(r.Outputs) > 0 {
		fmt.Fprintf(w, "outputs: %s\n", strings.Join(r.Outputs, ", "))
	}
	if len(r.Cleaned) > 0 {
		fmt.Fprintf(w, "cleaned: %s\n", strings.Join(r.Cleaned, " "))
	}
	return nil
}

// List past runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd, settings)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := make([]api.RunSummary, len(runs))
			for i, r := range runs {
				out[i] = toAPISummary(r)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			for _, r := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), statusString(r.Status), r.ExitCode, r.Label)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to list")
	cmd.Flags().Bool("json", false, "print as JSON")
	return cmd
}

// Clean the remote folders of a past run
func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <run-id>",
		Short: "Clean the remote folders of every calculation a past run spawned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd, settings)
			if err != nil {
				return err
			}
			defer store.Close()
			if _, err := store.GetRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			client, err := remote.NewClient(settings.Remote)
			if err != nil {
				return err
			}
			cleaner := remote.NewFolderCleaner(settings.Remote.Host, client.Open)
			defer cleaner.Close()
			sw := &core.Sweeper{Provenance: store, Releaser: cleaner, Concurrency: settings.Cleanup.Concurrency, Logger: &log.Logger}
			rep := sw.Sweep(cmd.Context(), args[0], true)
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned %d of %d calculations\n", len(rep.Cleaned), rep.Attempted)
			return nil
		},
	}
}

// Record the host key of the configured cluster
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust",
		Short: "Scan the configured host's SSH key and add it to known_hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			r := settings.Remote
			if r.Host == "" {
				return errors.New("remote host not configured")
			}
			port := r.Port
			if port == 0 {
				port = 22
			}
			addr := net.JoinHostPort(r.Host, strconv.Itoa(port))
			key, err := remote.ScanHostKey(cmd.Context(), addr, 30*time.Second)
			if err != nil {
				return err
			}
			kh := r.KnownHosts
			if kh == "" {
				kh = remote.DefaultKnownHostsPath()
			}
			if err := remote.AddKnownHost(kh, addr, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s %s %s\n", addr, key.Type(), xssh.FingerprintSHA256(key))
			return nil
		},
	}
}

// Generate shell completion scripts
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			root, out := cmd.Root(), cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return root.GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}

func statusString(s api.RunStatus) string {
	switch s {
	case api.RunSucceeded:
		return color.GreenString(string(s))
	case api.RunFailed:
		return color.RedString(string(s))
	case api.RunRunning:
		return color.YellowString(string(s))
	}
	return color.WhiteString(string(s))
}

func protocolName(p string) string {
	if p == "" {
		return protocol.Default
	}
	return p
}

func stageStrings(plan []core.Stage) []string {
	out := make([]string, len(plan))
	for i, s := range plan {
		out[i] = s.String()
	}
	return out
}

func planString(plan []core.Stage) string {
	if len(plan) == 0 {
		return "none"
	}
	return strings.Join(stageStrings(plan), ", ")
}

func toAPIReport(rep *core.Report) api.RunReport {
	r := api.RunReport{
		RunID:    rep.RunID,
		Status:   api.StatusOf(string(rep.State)),
		State:    string(rep.State),
		ExitCode: rep.ExitCode,
		Outputs:  rep.Outputs.Keys(),
		Cleaned:  rep.Cleanup.Cleaned,
	}
	for _, s := range rep.Stages {
		r.Stages = append(r.Stages, api.StageStatus{
			Stage:         s.Stage.String(),
			InvocationID:  s.InvocationID,
			OK:            s.OK,
			ExitCode:      s.ExitCode,
			SubExitStatus: s.SubExitStatus,
			Message:       s.Message,
		})
	}
	return r
}

func toAPISummary(r core.RunRecord) api.RunSummary {
	s := api.RunSummary{
		ID:        r.ID,
		Label:     r.Label,
		Status:    api.StatusOf(string(r.State)),
		State:     string(r.State),
		ExitCode:  r.ExitCode,
		StartedAt: r.StartedAt,
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		s.FinishedAt = &t
	}
	return s
}
