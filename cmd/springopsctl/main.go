package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/orlandolorenzomk/springops-sub000/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

const (
	defaultAPIBase = "http://localhost:8080"
	requestTimeout = 15 * time.Second
	deployTimeout  = 30 * time.Minute
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "status":
		err = commandStatus(args)
	case "deploy":
		err = commandDeploy(args)
	case "kill":
		err = commandKill(args)
	case "branches":
		err = commandBranches(args)
	case "history":
		err = commandHistory(args)
	case "notes":
		err = commandNotes(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Access token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Access token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("credentials saved")
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	app := fs.Int64("app", 0, "Application ID")
	fs.Parse(args)
	if *app <= 0 {
		return errors.New("--app is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	status, err := client.Status(ctx, *app)
	if err != nil {
		return err
	}
	state := "stopped"
	if status.IsRunning {
		state = "running"
	}
	fmt.Printf("state: %s\npid:   %s\nports: %s\n", state, dash(status.PID), dash(status.Port))
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	app := fs.Int64("app", 0, "Application ID")
	branch := fs.String("branch", "", "Branch to deploy")
	port := fs.Int("port", 0, "Port override")
	rollback := fs.Bool("rollback", false, "Record as a rollback without demoting history")
	fs.Parse(args)
	if *app <= 0 {
		return errors.New("--app is required")
	}
	if strings.TrimSpace(*branch) == "" {
		return errors.New("--branch is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), deployTimeout)
	defer cancel()
	fmt.Printf("deploying application %d from %s...\n", *app, *branch)
	res, err := client.Deploy(ctx, apiclient.DeployRequest{ApplicationID: *app, Branch: *branch, Port: *port, Rollback: *rollback})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tEXIT\tDURATION\tMESSAGE")
	for _, step := range res.Steps {
		message := ""
		if step.Result != nil {
			message = step.Result.Message
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", step.Step, step.Status, step.ProcessExitCode, time.Duration(step.DurationMillis)*time.Millisecond, message)
	}
	w.Flush()
	fmt.Printf("\noutcome: %s (deployment %d, %s)\n", res.Outcome, res.DeploymentID, res.Status)
	if res.PID != nil {
		fmt.Printf("pid: %d\n", *res.PID)
	}
	if res.LogsPath != "" {
		fmt.Printf("logs: %s\n", res.LogsPath)
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

func commandKill(args []string) error {
	fs := flag.NewFlagSet("kill", flag.ExitOnError)
	pid := fs.Int("pid", 0, "Process ID")
	fs.Parse(args)
	if *pid <= 0 {
		return errors.New("--pid is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	msg, err := client.Kill(ctx, *pid)
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

func commandBranches(args []string) error {
	fs := flag.NewFlagSet("branches", flag.ExitOnError)
	gitURL := fs.String("git-url", "", "Repository URL")
	fs.Parse(args)
	if strings.TrimSpace(*gitURL) == "" {
		return errors.New("--git-url is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	branches, err := client.Branches(ctx, *gitURL)
	if err != nil {
		return err
	}
	for _, b := range branches {
		fmt.Println(b)
	}
	return nil
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	app := fs.Int64("app", 0, "Application ID")
	limit := fs.Int("limit", 10, "Number of deployments")
	fs.Parse(args)
	if *app <= 0 {
		return errors.New("--app is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	deployments, err := client.History(ctx, *app, *limit)
	if err != nil {
		return err
	}
	if len(deployments) == 0 {
		fmt.Println("no deployments")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tBRANCH\tVERSION\tPID\tCREATED\tNOTES")
	for _, d := range deployments {
		pid := "-"
		if d.PID != nil {
			pid = fmt.Sprint(*d.PID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Status, d.Type, d.Branch, dash(d.Version), pid, d.CreatedAt, d.Notes)
	}
	return w.Flush()
}

func commandNotes(args []string) error {
	fs := flag.NewFlagSet("notes", flag.ExitOnError)
	id := fs.Int64("deployment", 0, "Deployment ID")
	value := fs.String("value", "", "Notes text")
	fs.Parse(args)
	if *id <= 0 {
		return errors.New("--deployment is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := client.UpdateNotes(ctx, *id, *value); err != nil {
		return err
	}
	fmt.Println("notes updated")
	return nil
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if env := strings.TrimSpace(os.Getenv("SPRINGOPS_API")); env != "" {
		cfg.APIBaseURL = env
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(cfg.AccessToken))
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "springops", "config.json"), nil
}

func printUsage() {
	fmt.Printf("springopsctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	springopsctl login [--token <jwt>] [--api http://localhost:8080]
	springopsctl status --app <application-id>
	springopsctl deploy --app <application-id> --branch <name> [--port N] [--rollback]
	springopsctl kill --pid <pid>
	springopsctl branches --git-url <url>
	springopsctl history --app <application-id> [--limit N]
	springopsctl notes --deployment <deployment-id> --value <text>
	springopsctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
