package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/queuedjobs/internal/config"
	"github.com/mattjoyce/queuedjobs/internal/doctor"
	"github.com/mattjoyce/queuedjobs/internal/job"
	"github.com/mattjoyce/queuedjobs/internal/log"
	"github.com/mattjoyce/queuedjobs/internal/queue"
	"github.com/mattjoyce/queuedjobs/internal/service"
)

// --- CONFIG ACTIONS ---

type checkResult struct {
	Valid    bool           `json:"valid"`
	Config   string         `json:"config"`
	Files    []string       `json:"files,omitempty"`
	Driver   string         `json:"driver,omitempty"`
	JobTypes []string       `json:"job_types,omitempty"`
	Error    string         `json:"error,omitempty"`
	Errors   []doctor.Issue `json:"errors,omitempty"`
	Warnings []doctor.Issue `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfigForTool(*configPath)
	res := checkResult{Valid: err == nil, Config: resolved}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Files = cfg.SourceFiles
		res.Driver = cfg.State.Driver
		for name := range cfg.JobTypes {
			res.JobTypes = append(res.JobTypes, name)
		}
		sort.Strings(res.JobTypes)

		report := doctor.New(cfg).Validate()
		res.Errors = report.Errors
		res.Warnings = report.Warnings
		res.Valid = report.Valid && (!*strict || len(report.Warnings) == 0)
	}

	if *jsonOut {
		if code := printJSON(res); code != 0 {
			return code
		}
	} else {
		printCheckResult(res)
	}

	if !res.Valid {
		return 1
	}
	return 0
}

func printCheckResult(res checkResult) {
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "WARN  %s\n", w)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "ERROR %s\n", e)
	}
	switch {
	case res.Error != "":
		fmt.Fprintf(os.Stderr, "Configuration INVALID: %s\n", res.Error)
	case !res.Valid:
		fmt.Fprintf(os.Stderr, "Configuration INVALID: %d error(s), %d warning(s)\n", len(res.Errors), len(res.Warnings))
	default:
		fmt.Printf("Configuration OK: %s\n", res.Config)
		fmt.Printf("  files:     %d\n", len(res.Files))
		fmt.Printf("  driver:    %s\n", res.Driver)
		fmt.Printf("  job types: %d\n", len(res.JobTypes))
	}
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show what would be written")
	var verbose bool
	fs.BoolVar(&verbose, "verbose", false, "Print every hashed file")
	fs.BoolVar(&verbose, "v", false, "Print every hashed file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	reports, err := config.Lock(resolveConfigPath(*configPath), *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	for _, r := range reports {
		if verbose {
			fmt.Printf("Processing directory %s\n", r.ConfigDir)
			for _, f := range r.Files {
				fmt.Printf("  HASH %s: %s\n", f.Filename, f.Hash)
			}
		}
		if *dryRun {
			fmt.Printf("DRY-RUN %s: %d file(s)\n", r.ChecksumPath, len(r.Files))
		} else {
			fmt.Printf("Wrote %s: %d file(s)\n", r.ChecksumPath, len(r.Files))
		}
	}
	if *dryRun {
		fmt.Println("Dry run completed, nothing written.")
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Render error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// --- JOB ACTIONS ---

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	if hasHelpFlag(actionArgs) {
		printJobActionHelp(action)
		return 0
	}
	switch action {
	case "submit":
		return runJobSubmit(actionArgs)
	case "activate", "pause", "resume":
		return runJobTransition(action, actionArgs)
	case "status":
		return runJobStatus(actionArgs)
	case "list":
		return runJobList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func printJobNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: queuedjobs job <action> [flags]")
	fmt.Fprintln(w, "Actions: submit, activate, status, pause, resume, list")
}

func printJobActionHelp(action string) {
	switch action {
	case "submit":
		fmt.Println("Usage: queuedjobs job submit <type> [--payload JSON] [--priority N] [--delay DURATION] [--max-attempts N] [--by NAME] [--activate] [--config PATH]")
	case "list":
		fmt.Println("Usage: queuedjobs job list [--status STATUS] [--type TYPE] [--limit N] [--json] [--config PATH]")
	case "status":
		fmt.Println("Usage: queuedjobs job status <id> [--json] [--config PATH]")
	default:
		fmt.Printf("Usage: queuedjobs job %s <id> [--config PATH]\n", action)
	}
}

// withService opens the configured store for a one-shot command. Commands
// go straight to the store; a running server sees the change on its next tick.
func withService(configPath string, fn func(ctx context.Context, svc *service.Service) error) int {
	cfg, _, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("ERROR", cfg.Service.LogFormat)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = a.store.Close() }()

	if err := fn(ctx, a.service); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// splitPositional lets the id or type appear before or after the flags.
func splitPositional(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func runJobSubmit(args []string) int {
	jobType, rest := splitPositional(args)

	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	payload := fs.String("payload", "", "JSON payload")
	priority := fs.Int("priority", 0, "Priority (higher runs first)")
	delay := fs.Duration("delay", 0, "Delay applied on activation")
	maxAttempts := fs.Int("max-attempts", 0, "Maximum execution attempts")
	submittedBy := fs.String("by", "cli", "Submitter recorded on the job")
	activate := fs.Bool("activate", false, "Queue the job straight away")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jobType == "" && fs.NArg() == 1 {
		jobType = fs.Arg(0)
	}
	if jobType == "" {
		printJobActionHelp("submit")
		return 1
	}

	return withService(*configPath, func(ctx context.Context, svc *service.Service) error {
		id, err := svc.Submit(ctx, jobType, json.RawMessage(*payload), service.SubmitOptions{
			Priority:    *priority,
			Delay:       *delay,
			MaxAttempts: *maxAttempts,
			SubmittedBy: *submittedBy,
			Activate:    *activate,
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

func runJobTransition(action string, args []string) int {
	id, rest := splitPositional(args)

	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" && fs.NArg() == 1 {
		id = fs.Arg(0)
	}
	if id == "" {
		printJobActionHelp(action)
		return 1
	}

	return withService(*configPath, func(ctx context.Context, svc *service.Service) error {
		var err error
		switch action {
		case "activate":
			err = svc.Activate(ctx, id)
		case "pause":
			err = svc.Pause(ctx, id)
		case "resume":
			err = svc.Resume(ctx, id)
		}
		if err != nil {
			return err
		}
		d, err := svc.Status(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", d.ID, d.Status)
		return nil
	})
}

func runJobStatus(args []string) int {
	id, rest := splitPositional(args)

	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" && fs.NArg() == 1 {
		id = fs.Arg(0)
	}
	if id == "" {
		printJobActionHelp("status")
		return 1
	}

	return withService(*configPath, func(ctx context.Context, svc *service.Service) error {
		d, err := svc.Status(ctx, id)
		if err != nil {
			return err
		}
		if *jsonOut {
			if printJSON(d) != 0 {
				return fmt.Errorf("render job %s", id)
			}
			return nil
		}
		printDescriptor(os.Stdout, d)
		return nil
	})
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	status := fs.String("status", "", "Only jobs in this status")
	jobType := fs.String("type", "", "Only jobs of this type")
	limit := fs.Int("limit", 50, "Maximum jobs to show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	filter := queue.Filter{Type: *jobType, Limit: *limit}
	if *status != "" {
		s, err := job.ParseStatus(*status)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		filter.Status = s
	}

	return withService(*configPath, func(ctx context.Context, svc *service.Service) error {
		jobs, err := svc.List(ctx, filter)
		if err != nil {
			return err
		}
		if *jsonOut {
			if printJSON(jobs) != 0 {
				return fmt.Errorf("render job list")
			}
			return nil
		}
		printJobTable(os.Stdout, jobs)
		return nil
	})
}

func printDescriptor(w io.Writer, d *job.Descriptor) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", d.ID)
	fmt.Fprintf(tw, "type:\t%s\n", d.Type)
	fmt.Fprintf(tw, "status:\t%s\n", d.Status)
	fmt.Fprintf(tw, "priority:\t%d\n", d.Priority)
	fmt.Fprintf(tw, "attempts:\t%d/%d\n", d.Attempts, d.MaxAttempts)
	if !d.ScheduledFor.IsZero() {
		fmt.Fprintf(tw, "scheduled_for:\t%s\n", d.ScheduledFor.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "progress:\t%.0f%%\n", d.Progress*100)
	if d.LastError != nil {
		fmt.Fprintf(tw, "last_error:\t%s\n", *d.LastError)
	}
	if len(d.Result) > 0 {
		fmt.Fprintf(tw, "result:\t%s\n", string(d.Result))
	}
	_ = tw.Flush()
	for _, m := range d.Messages {
		fmt.Fprintf(w, "  > %s\n", m)
	}
}

func printJobTable(w io.Writer, jobs []*job.Descriptor) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIO\tATTEMPTS\tUPDATED")
	for _, d := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\n",
			d.ID, d.Type, d.Status, d.Priority, d.Attempts, d.MaxAttempts,
			d.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}
