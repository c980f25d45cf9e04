package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/troupe/internal/daemon"
	"github.com/msageha/troupe/internal/dispatch"
	"github.com/msageha/troupe/internal/formation"
	"github.com/msageha/troupe/internal/lifecycle"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/pattern"
	"github.com/msageha/troupe/internal/setup"
	"github.com/msageha/troupe/internal/status"
	"github.com/msageha/troupe/internal/tmux"
	"github.com/msageha/troupe/internal/uds"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "up":
		runUp(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "stop":
		send("shutdown", nil)
	case "status":
		runStatus(os.Args[2:])
	case "spawn":
		runSpawn(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "send":
		runSend(os.Args[2:])
	case "inbox":
		runInbox(os.Args[2:])
	case "ack":
		runAck(os.Args[2:])
	case "heartbeat":
		runHeartbeat(os.Args[2:])
	case "barrier":
		runBarrier(os.Args[2:])
	case "session":
		runSession(os.Args[2:])
	case "dispatch":
		runDispatch(os.Args[2:])
	case "dissolve":
		runDissolve(os.Args[2:])
	case "checkpoint":
		runCheckpoint(os.Args[2:])
	case "version":
		fmt.Printf("troupe %s\n", daemon.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: troupe setup <project_dir> [--name <project>]")
		os.Exit(1)
	}
	var name string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--name":
			name = flagValue(rest, &i)
		default:
			usageError("unknown flag: "+rest[i], "troupe setup <project_dir> [--name <project>]")
		}
	}
	if err := setup.Run(args[0], name); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(args[0])
	fmt.Printf("Initialized %s/ in %s\n", setup.DirName, absDir)
}

func runUp(args []string) {
	const usage = "troupe up [--reset] [--plan <file|->]"
	opts := formation.UpOptions{}
	planFile := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--reset":
			opts.Reset = true
		case "--plan":
			planFile = flagValue(args, &i)
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}
	opts.ResetOnly = opts.Reset && planFile == "" && len(args) == 1

	opts.Dir = requireTroupeDir()
	cfg, err := loadConfig(opts.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	opts.Config = cfg
	opts.Tmux = tmux.NewSpawner(cfg.Spawn, filepath.Dir(opts.Dir))
	if planFile != "" {
		plan, err := readPlan(planFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		opts.Plan = &plan
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := formation.RunUp(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "up: %v\n", err)
		os.Exit(1)
	}
}

func runDown(args []string) {
	const usage = "troupe down [--dissolve] [--reason <text>]"
	opts := formation.DownOptions{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dissolve":
			opts.Dissolve = true
		case "--reason":
			opts.Reason = flagValue(args, &i)
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}

	opts.Dir = requireTroupeDir()
	cfg, err := loadConfig(opts.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	opts.Config = cfg
	opts.Tmux = tmux.NewSpawner(cfg.Spawn, filepath.Dir(opts.Dir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := formation.RunDown(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "down: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	dir := requireTroupeDir()
	cfg, err := loadConfig(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			usageError("unknown flag: "+a, "troupe status [--json]")
		}
	}

	if err := status.Run(requireTroupeDir(), jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

// runSpawn reads a team plan (YAML) from a file or stdin and starts it.
func runSpawn(args []string) {
	const usage = "troupe spawn --plan <file|->"
	planFile := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			planFile = flagValue(args, &i)
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}
	if planFile == "" {
		usageError("--plan is required", usage)
	}

	plan, err := readPlan(planFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	send("spawn", plan)
}

func runTask(args []string) {
	const usage = "troupe task <create|update|fail|get|list> [options]"
	if len(args) < 1 {
		usageError("", usage)
	}
	switch args[0] {
	case "create":
		runTaskCreate(args[1:])
	case "update":
		runTaskUpdate(args[1:])
	case "fail":
		runTaskFail(args[1:])
	case "get":
		if len(args) != 2 {
			usageError("", "troupe task get <id>")
		}
		send("task_get", map[string]string{"id": args[1]})
	case "list":
		runTaskList(args[1:])
	default:
		usageError("unknown task subcommand: "+args[0], usage)
	}
}

func runTaskCreate(args []string) {
	const usage = "troupe task create --subject <s> [--description <d>] [--blocked-by <id>]... [--owner <worker>]"
	params := map[string]any{}
	var blockedBy []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--subject":
			params["subject"] = flagValue(args, &i)
		case "--description":
			params["description"] = flagValue(args, &i)
		case "--blocked-by":
			blockedBy = append(blockedBy, flagValue(args, &i))
		case "--owner":
			params["owner"] = flagValue(args, &i)
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}
	if params["subject"] == nil {
		usageError("--subject is required", usage)
	}
	if len(blockedBy) > 0 {
		params["blocked_by"] = blockedBy
	}
	send("task_create", params)
}

func runTaskUpdate(args []string) {
	const usage = "troupe task update <id> [--status <s>] [--owner <worker>] [--blocked-by <id>]..."
	if len(args) < 1 {
		usageError("", usage)
	}
	params := map[string]any{"id": args[0]}
	var blockedBy []string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--status":
			st := model.Status(flagValue(rest, &i))
			if !model.IsKnownStatus(st) {
				usageError(fmt.Sprintf("invalid status %q", st), usage)
			}
			if st == model.StatusFailed || st == model.StatusRetrying {
				usageError("report failures with 'troupe task fail'", usage)
			}
			params["status"] = st
		case "--owner":
			params["owner"] = flagValue(rest, &i)
		case "--blocked-by":
			blockedBy = append(blockedBy, flagValue(rest, &i))
		default:
			usageError("unknown flag: "+rest[i], usage)
		}
	}
	if len(blockedBy) > 0 {
		params["add_blocked_by"] = blockedBy
	}
	send("task_update", params)
}

func runTaskFail(args []string) {
	const usage = "troupe task fail <id> [--class transient|permanent|architectural] [--reason <text>]"
	if len(args) < 1 {
		usageError("", usage)
	}
	params := map[string]any{"id": args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--class":
			params["class"] = flagValue(rest, &i)
		case "--reason":
			params["reason"] = flagValue(rest, &i)
		default:
			usageError("unknown flag: "+rest[i], usage)
		}
	}
	send("task_fail", params)
}

func runTaskList(args []string) {
	const usage = "troupe task list [--owner <worker>] [--status <s>]... [--blocked-by <id>] [--ready]"
	params := map[string]any{}
	var statuses []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--owner":
			params["owner"] = flagValue(args, &i)
		case "--status":
			statuses = append(statuses, flagValue(args, &i))
		case "--blocked-by":
			params["blocked_by"] = flagValue(args, &i)
		case "--ready":
			params["ready_only"] = true
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}
	if len(statuses) > 0 {
		params["statuses"] = statuses
	}
	send("task_list", params)
}

// messageFlags parses the flags shared by send and barrier submit.
func messageFlags(args []string, usage string) map[string]any {
	params := map[string]any{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--from":
			params["sender"] = flagValue(args, &i)
		case "--to":
			params["recipient"] = flagValue(args, &i)
		case "--type":
			params["type"] = flagValue(args, &i)
		case "--content":
			params["content"] = flagValue(args, &i)
		case "--summary":
			params["summary"] = flagValue(args, &i)
		case "--session":
			params["session_id"] = flagValue(args, &i)
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}
	if params["sender"] == nil {
		if id := os.Getenv("TROUPE_WORKER_ID"); id != "" {
			params["sender"] = id
		}
	}
	return params
}

func runSend(args []string) {
	const usage = "troupe send [--from <worker>] --to <worker|*> --type <type> --content <text> [--summary <s>] [--session <id>]"
	params := messageFlags(args, usage)
	if params["recipient"] == nil || params["type"] == nil {
		usageError("--to and --type are required", usage)
	}
	send("send", params)
}

func runBarrier(args []string) {
	const usage = "troupe barrier submit [--from <worker>] --session <id> --type <type> --content <text>"
	if len(args) < 1 || args[0] != "submit" {
		usageError("", usage)
	}
	params := messageFlags(args[1:], usage)
	if params["session_id"] == nil {
		usageError("--session is required", usage)
	}
	send("barrier_submit", params)
}

// workerArg returns the worker named on the command line, falling back to
// TROUPE_WORKER_ID.
func workerArg(args []string, usage string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	if id := os.Getenv("TROUPE_WORKER_ID"); id != "" {
		return id, args
	}
	usageError("worker id is required", usage)
	return "", nil
}

func runInbox(args []string) {
	worker, _ := workerArg(args, "troupe inbox [worker]")
	send("inbox", map[string]string{"worker": worker})
}

func runAck(args []string) {
	const usage = "troupe ack <worker> <message-id>..."
	if len(args) < 2 {
		usageError("", usage)
	}
	send("ack", map[string]any{"worker": args[0], "ids": args[1:]})
}

func runHeartbeat(args []string) {
	worker, _ := workerArg(args, "troupe heartbeat [worker]")
	send("heartbeat", map[string]string{"worker": worker})
}

func runSession(args []string) {
	const usage = "troupe session <start|join|show> [options]"
	if len(args) < 1 {
		usageError("", usage)
	}
	switch args[0] {
	case "start":
		runSessionStart(args[1:])
	case "join":
		runSessionJoin(args[1:])
	case "show":
		params := map[string]string{}
		if len(args) > 1 {
			params["id"] = args[1]
		}
		send("session_get", params)
	default:
		usageError("unknown session subcommand: "+args[0], usage)
	}
}

func runSessionStart(args []string) {
	const usage = "troupe session start --protocol <p> | --signals <s,...> --member <role>=<worker>... [--max-rounds <n>]"
	spec := lifecycle.SessionSpec{Roles: map[model.Role][]string{}}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--protocol":
			spec.Protocol = model.Protocol(flagValue(args, &i))
		case "--signals":
			sig, err := pattern.ParseSignals(strings.Split(flagValue(args, &i), ","))
			if err != nil {
				usageError(err.Error(), usage)
			}
			spec.Signals = &sig
		case "--member":
			role, worker, ok := strings.Cut(flagValue(args, &i), "=")
			if !ok || worker == "" {
				usageError("--member must be <role>=<worker>", usage)
			}
			spec.Roles[model.Role(role)] = append(spec.Roles[model.Role(role)], worker)
		case "--max-rounds":
			spec.MaxRounds = intFlag(args, &i, usage)
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}
	if spec.ResolvedProtocol() == "" {
		usageError("--protocol or --signals is required", usage)
	}
	send("session_start", spec)
}

func runSessionJoin(args []string) {
	const usage = "troupe session join <session> --role <role> [--worker <id>]"
	if len(args) < 1 {
		usageError("", usage)
	}
	params := map[string]any{"session_id": args[0], "worker": os.Getenv("TROUPE_WORKER_ID")}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--role":
			params["role"] = flagValue(rest, &i)
		case "--worker":
			params["worker"] = flagValue(rest, &i)
		default:
			usageError("unknown flag: "+rest[i], usage)
		}
	}
	send("session_join", params)
}

func runDispatch(args []string) {
	const usage = "troupe dispatch [--parent <id>] [--depth <n>] --call <role>[@task]=<input>..."
	params := map[string]any{"parent_id": os.Getenv("TROUPE_WORKER_ID")}
	if d := os.Getenv("TROUPE_DEPTH"); d != "" {
		if n, err := strconv.Atoi(d); err == nil {
			params["depth"] = n
		}
	}
	var calls []dispatch.Call
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--parent":
			params["parent_id"] = flagValue(args, &i)
		case "--depth":
			params["depth"] = intFlag(args, &i, usage)
		case "--call":
			target, input, ok := strings.Cut(flagValue(args, &i), "=")
			if !ok {
				usageError("--call must be <role>[@task]=<input>", usage)
			}
			role, task, _ := strings.Cut(target, "@")
			calls = append(calls, dispatch.Call{Role: model.Role(role), Input: input, TaskID: task})
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}
	if params["parent_id"] == "" {
		params["parent_id"] = model.CoordinatorID
	}
	params["calls"] = calls
	sendWithTimeout("dispatch", params, 10*time.Minute)
}

func runDissolve(args []string) {
	const usage = "troupe dissolve [--reason <text>]"
	params := map[string]string{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--reason":
			params["reason"] = flagValue(args, &i)
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}
	send("dissolve", params)
}

func runCheckpoint(args []string) {
	const usage = "troupe checkpoint [--phase <name>]"
	params := map[string]string{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--phase":
			params["phase"] = flagValue(args, &i)
		default:
			usageError("unknown flag: "+args[i], usage)
		}
	}
	send("checkpoint", params)
}

// readPlan loads a team plan (YAML) from a file, or from stdin for "-".
func readPlan(path string) (lifecycle.Plan, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return lifecycle.Plan{}, fmt.Errorf("read plan: %w", err)
	}
	var plan lifecycle.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return lifecycle.Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	return plan, nil
}

func send(command string, params any) {
	sendWithTimeout(command, params, 0)
}

// sendWithTimeout sends one command to the daemon and prints the response
// data as JSON. A DISSOLVING answer exits with status 2 so worker scripts
// can stop.
func sendWithTimeout(command string, params any, timeout time.Duration) {
	client := uds.NewClient(filepath.Join(requireTroupeDir(), uds.DefaultSocketName), uds.WithTimeout(timeout))
	var data json.RawMessage
	if err := client.Call(context.Background(), command, params, &data); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if uds.CodeOf(err) == uds.ErrCodeDissolving {
			os.Exit(2)
		}
		os.Exit(1)
	}

	if len(data) == 0 {
		return
	}
	out, _ := json.MarshalIndent(data, "", "  ")
	fmt.Println(string(out))
}

func flagValue(args []string, i *int) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[*i])
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func intFlag(args []string, i *int, usage string) int {
	name := args[*i]
	n, err := strconv.Atoi(flagValue(args, i))
	if err != nil {
		usageError(name+" must be an integer", usage)
	}
	return n
}

func usageError(msg, usage string) {
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	fmt.Fprintln(os.Stderr, "usage: "+usage)
	os.Exit(1)
}

func requireTroupeDir() string {
	dir := findTroupeDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .troupe/ directory not found. Run 'troupe setup <dir>' first.")
		os.Exit(1)
	}
	return dir
}

func findTroupeDir() string {
	if dir := os.Getenv("TROUPE_DIR"); dir != "" {
		return dir
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(dir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg.WithDefaults(), nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `troupe %s - coordinate a team of agent workers

Usage: troupe <command> [options]

Team:
  setup <dir>                 Initialize .troupe/ directory
  up [--reset] [--plan <f>]   Start the coordinator in the background
  down [--dissolve]           Stop the coordinator and close the tmux session
  daemon                      Run the coordinator in the foreground
  stop                        Stop the coordinator
  status [--json]             Show board, workers and sessions
  spawn --plan <file|->       Start the workers, tasks and sessions of a plan
  dissolve [--reason <text>]  Ask every worker to shut down, then archive
  checkpoint [--phase <name>] Save a checkpoint now

Worker Commands (CLI -> Daemon):
  task create|update|get|list      Read and change the task board
  task fail <id> [--class <c>]     Report a failed attempt at a task
  send --to <id|*> --type <t> ...  Send a message
  inbox [worker]                   Fetch unread messages
  ack <worker> <id>...             Acknowledge messages
  heartbeat [worker]               Report activity
  barrier submit --session <id>    Submit a blind contribution
  session start|join|show          Manage protocol sessions
  dispatch --call <role>=<input>   Fan work out to sub-workers

Utilities:
  version                     Show version
  help                        Show this help

`, daemon.Version)
}
