package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"syndicate-go/internal/app"
	"syndicate-go/internal/config"
	"syndicate-go/internal/encryption"
	"syndicate-go/internal/model"
	"syndicate-go/internal/syndicate"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the config file from the default location.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a SyndicateApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Sync", "Worker").
func newApp(ctx context.Context, operation string) (*app.SyndicateApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewSyndicateApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

var rootCmd = &cobra.Command{
	Use:          "syndicate",
	Short:        "Syndicate local catalog datasets to remote catalogs",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and the local catalog database",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get application defaults
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Create config with defaults
		cfg := config.NewConfig(defaults["base_dir"])

		// Initialize config file
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		if err := app.MigrateDatabase(cfg); err != nil {
			return err
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Add [profile.<id>] tables to start syndicating.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:         %s\n", cfg.LogDir)
		fmt.Printf("Database:        %s\n", cfg.Database.Type)
		fmt.Printf("Queue:           %s (%s)\n", cfg.Queue.Type, cfg.QueueName())
		fmt.Printf("Sync on changes: %t\n", cfg.SyncOnChangesEnabled())
		fmt.Printf("Remote timeout:  %s\n", cfg.RemoteTimeout())

		opts := cfg.Options()
		if len(opts) == 0 {
			return nil
		}
		fmt.Println("\nProfile options:")
		for _, opt := range opts {
			value := opt.Value
			if strings.HasSuffix(opt.Key, ".api_key") && value != "" {
				value = "********"
			}
			fmt.Printf("  %s = %s\n", opt.Key, value)
		}
		return nil
	},
}

// secrets command
var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage encrypted profile API keys",
}

var secretsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the age identity used to decrypt API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		recipient, err := encryption.NewAgeKeyring(cfg.Secrets).Setup()
		if err != nil {
			return err
		}

		fmt.Printf("Identity written to %s\n", cfg.Secrets.IdentityFile)
		fmt.Printf("Public key: %s\n", recipient)
		return nil
	},
}

var secretsEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt an API key for use as a profile api_key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		var value string
		if isTerminal(os.Stdin) {
			fmt.Fprint(os.Stderr, "API key: ")
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading API key: %w", err)
			}
			value = string(b)
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("reading API key: %w", err)
			}
			value = line
		}

		sealed, err := app.SealSecret(cfg, value)
		if err != nil {
			return err
		}
		fmt.Println(sealed)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local catalog database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync [ID]",
	Short: "Syndicate datasets to remote portals",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetFloat64("timeout")
		foreground, _ := cmd.Flags().GetBool("foreground")

		a, err := newApp(cmd.Context(), "Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		id := ""
		if len(args) > 0 {
			id = args[0]
		}

		opts := app.SyncOptions{
			Timeout:    time.Duration(timeout * float64(time.Second)),
			Foreground: foreground,
		}
		if isTerminal(os.Stdout) {
			opts.Progress = printProgress
		}

		sum, err := a.Sync(cmd.Context(), id, opts)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		if sum.Datasets == 0 {
			fmt.Println("No datasets found.")
			return nil
		}
		verb := "Queued"
		if foreground {
			verb = "Synced"
		}
		fmt.Printf("%s %d dataset/profile pair(s) from %d dataset(s)", verb, sum.Scheduled, sum.Datasets)
		if sum.Completed > 0 {
			fmt.Printf(", %d completed", sum.Completed)
		}
		if sum.Failed > 0 {
			fmt.Printf(", %d failed", sum.Failed)
		}
		fmt.Println()
		return nil
	},
}

func printProgress(done, total int, d *model.Dataset) {
	if d == nil {
		fmt.Printf("\r[%d/%d] done%s\n", done, total, strings.Repeat(" ", 40))
		return
	}
	fmt.Printf("\r[%d/%d] Sending syndication signal to package %s", done+1, total, d.ID)
}

// check command
var checkCmd = &cobra.Command{
	Use:   "check [IDS...]",
	Short: "Print profiles that would be used to syndicate each dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Check")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Check(cmd.Context(), args)
		if err != nil {
			return err
		}

		for _, e := range report.Entries {
			fmt.Printf("%s: %s\n", e.DatasetID, strings.Join(e.Profiles, ", "))
		}
		if len(report.Counts) == 0 {
			return nil
		}

		fmt.Println("Statistics:")
		for _, c := range report.Counts {
			fmt.Printf("\t%s: %d\n", c.ProfileID, c.Datasets)
		}
		return nil
	},
}

// init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the syndication table (no longer required)",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stderr, "`syndicate init` is not required and takes no effect anymore")
	},
}

// profiles command
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List configured syndication profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Profiles")
		if err != nil {
			return err
		}
		defer a.Close()

		profiles := a.Profiles()
		if len(profiles) == 0 {
			fmt.Println("No profiles configured.")
			return nil
		}
		for _, p := range profiles {
			fmt.Printf("%-12s %s\n", p.ID, p.RemoteURL)
			fmt.Printf("    flag=%s field_id=%s name_prefix=%q organization=%q\n",
				p.SyndicationFlag, p.LinkageField, p.NamePrefix, p.Organization)
			fmt.Printf("    replicate_organization=%t update_organization=%t refresh_package_name=%t upload_organization_image=%t\n",
				p.ReplicateOrganization, p.UpdateOrganization, p.RefreshPackageName, p.UploadOrganizationImage)
			if p.Author != "" || p.Predicate != "" {
				fmt.Printf("    author=%q predicate=%q\n", p.Author, p.Predicate)
			}
		}
		return nil
	},
}

// prepare command
var prepareCmd = &cobra.Command{
	Use:   "prepare ID",
	Short: "Print the payload that would be sent for a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profileID, _ := cmd.Flags().GetString("profile")
		topic, _ := cmd.Flags().GetString("topic")

		a, err := newApp(cmd.Context(), "Prepare")
		if err != nil {
			return err
		}
		defer a.Close()

		prep, err := a.Prepare(cmd.Context(), args[0], profileID, topic)
		if err != nil {
			return err
		}

		out := map[string]any{
			"topic":   prep.Topic.String(),
			"payload": prep.Payload,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func groupSyncCmd(use, short string, kind syndicate.GroupKind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profileID, _ := cmd.Flags().GetString("profile")
			skipExisting, _ := cmd.Flags().GetBool("skip-existing")

			a, err := newApp(cmd.Context(), "SyncGroup")
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.SyncGroup(cmd.Context(), args[0], profileID, kind, skipExisting)
			if err != nil {
				return err
			}
			fmt.Printf("Remote %s id: %s\n", kind, id)
			return nil
		},
	}
	cmd.Flags().StringP("profile", "p", "", "Profile id")
	cmd.MarkFlagRequired("profile")
	cmd.Flags().Bool("skip-existing", false, "Return an existing remote record untouched")
	return cmd
}

// dataset command
var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage datasets in the local catalog",
}

var datasetPutCmd = &cobra.Command{
	Use:   "put FILE.json",
	Short: "Store a dataset and notify the change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading dataset file: %w", err)
		}
		var d model.Dataset
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decoding dataset file: %w", err)
		}

		a, err := newApp(cmd.Context(), "PutDataset")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.PutDataset(cmd.Context(), &d)
		if err != nil {
			return err
		}

		action := "Updated"
		if res.Created {
			action = "Created"
		}
		fmt.Printf("%s dataset %s (%s)\n", action, res.Dataset.Name, res.Dataset.ID)
		if res.Completed > 0 || res.Failed > 0 {
			fmt.Printf("Syndication: %d completed, %d failed\n", res.Completed, res.Failed)
		}
		return nil
	},
}

var datasetAttemptsCmd = &cobra.Command{
	Use:   "attempts ID",
	Short: "View reconciliation attempts for a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "GetAttempts")
		if err != nil {
			return err
		}
		defer a.Close()

		attempts, err := a.GetAttempts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			fmt.Println("No attempts recorded.")
			return nil
		}
		for _, at := range attempts {
			fmt.Printf("%s  %-10s  %-6s -> %-6s  %-7s  %s  %s\n",
				at.CreatedAt.Format("2006-01-02 15:04:05"),
				at.ProfileID,
				at.Topic,
				at.ResolvedTopic,
				at.Status,
				at.RemoteID,
				at.Error,
			)
		}
		return nil
	},
}

// worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued syndication jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		drain, _ := cmd.Flags().GetBool("drain")
		recoverJobs, _ := cmd.Flags().GetBool("recover")

		a, err := newApp(cmd.Context(), "Worker")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.RunWorker(cmd.Context(), app.WorkerOptions{
			MetricsAddr: metricsAddr,
			Drain:       drain,
			Recover:     recoverJobs,
		})
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List jobs that exhausted their attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "DeadLetters")
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No dead-lettered jobs.")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-10s  %-6s  attempts=%d\n", j.DatasetID, j.ProfileID, j.Topic, j.Attempts)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "GetHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No sync operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// secrets subcommands
	secretsCmd.AddCommand(secretsInitCmd)
	secretsCmd.AddCommand(secretsEncryptCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)

	// dataset subcommands
	datasetCmd.AddCommand(datasetPutCmd)
	datasetCmd.AddCommand(datasetAttemptsCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(secretsCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Float64P("timeout", "t", 0, "Seconds to wait between datasets")
	syncCmd.Flags().BoolP("foreground", "f", false, "Reconcile immediately instead of enqueueing")
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(prepareCmd)
	prepareCmd.Flags().StringP("profile", "p", "", "Profile id")
	prepareCmd.MarkFlagRequired("profile")
	prepareCmd.Flags().String("topic", "update", "Requested topic: create or update")
	rootCmd.AddCommand(groupSyncCmd("sync-organization", "Replicate an organization to a profile's remote", syndicate.KindOrganization))
	rootCmd.AddCommand(groupSyncCmd("sync-group", "Replicate a group to a profile's remote", syndicate.KindGroup))
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (default from config)")
	workerCmd.Flags().Bool("drain", false, "Exit once the queue is empty")
	workerCmd.Flags().Bool("recover", false, "Requeue jobs left in flight by a crashed worker")
	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
