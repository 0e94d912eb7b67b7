package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentlane/agentlane/sdk/go/agentlane"
)

const usage = `usage: govctl <command> [flags]

commands:
  status      show one agent's governance status
  statuses    list agent statuses in a workspace
  explain     show the evidence behind an agent's status
  snapshot    show the current policy snapshot
  hotreload   publish a policy bundle and revalidate
  revalidate  re-evaluate specific agents
  promote     move a sandbox agent into the governed pipeline
  override    operator override for an invalidated agent

environment:
  GOVERND_URL    base url of the governd service (default http://localhost:8084)
  GOVERND_TOKEN  bearer token for the /v1 surface`

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	*r = append(*r, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	client := newClientFromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "status":
		err = runStatus(ctx, client, os.Args[2:])
	case "statuses":
		err = runStatuses(ctx, client, os.Args[2:])
	case "explain":
		err = runExplain(ctx, client, os.Args[2:])
	case "snapshot":
		err = runSnapshot(ctx, client, os.Args[2:])
	case "hotreload":
		err = runHotReload(ctx, client, os.Args[2:])
	case "revalidate":
		err = runRevalidate(ctx, client, os.Args[2:])
	case "promote":
		err = runPromote(ctx, client, os.Args[2:])
	case "override":
		err = runOverride(ctx, client, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "govctl:", err)
		os.Exit(1)
	}
}

func newClientFromEnv() *agentlane.Client {
	baseURL := os.Getenv("GOVERND_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8084"
	}
	return agentlane.NewClient(baseURL, os.Getenv("GOVERND_TOKEN"))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStatus(ctx context.Context, client *agentlane.Client, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id")
	agent := fs.String("agent", "", "agent id")
	_ = fs.Parse(args)
	if *workspace == "" || *agent == "" {
		return fmt.Errorf("--workspace and --agent are required")
	}
	status, err := client.GetAgentStatus(ctx, *workspace, *agent)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func runStatuses(ctx context.Context, client *agentlane.Client, args []string) error {
	fs := flag.NewFlagSet("statuses", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id")
	page := fs.Int("page", 1, "page number")
	limit := fs.Int("limit", 50, "page size")
	_ = fs.Parse(args)
	if *workspace == "" {
		return fmt.Errorf("--workspace is required")
	}
	statuses, total, err := client.ListAgentStatuses(ctx, *workspace, *page, *limit)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"statuses": statuses, "total": total})
}

func runExplain(ctx context.Context, client *agentlane.Client, args []string) error {
	fs := flag.NewFlagSet("explain", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id")
	agent := fs.String("agent", "", "agent id")
	_ = fs.Parse(args)
	if *workspace == "" || *agent == "" {
		return fmt.Errorf("--workspace and --agent are required")
	}
	expl, err := client.GetGovernanceExplanation(ctx, *workspace, *agent)
	if err != nil {
		return err
	}
	return printJSON(expl)
}

func runSnapshot(ctx context.Context, client *agentlane.Client, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id")
	policySet := fs.String("policy-set", "default", "policy set name")
	_ = fs.Parse(args)
	if *workspace == "" {
		return fmt.Errorf("--workspace is required")
	}
	snap, err := client.GetPolicySnapshot(ctx, *workspace, *policySet)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runHotReload(ctx context.Context, client *agentlane.Client, args []string) error {
	fs := flag.NewFlagSet("hotreload", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id")
	policySet := fs.String("policy-set", "default", "policy set name")
	bundlePath := fs.String("bundle", "", "path to policy bundle json")
	actor := fs.String("actor", "", "actor recorded on the new version")
	_ = fs.Parse(args)
	if *workspace == "" || *bundlePath == "" {
		return fmt.Errorf("--workspace and --bundle are required")
	}
	raw, err := os.ReadFile(*bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	var bundle map[string]any
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	result, err := client.HotReloadPolicy(ctx, *workspace, *policySet, bundle, *actor)
	if err != nil {
		return err
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("reload finished with %d failed agents", len(result.Failed))
	}
	return nil
}

func runRevalidate(ctx context.Context, client *agentlane.Client, args []string) error {
	fs := flag.NewFlagSet("revalidate", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id")
	var agents repeatStringFlag
	fs.Var(&agents, "agent", "agent id (repeatable)")
	_ = fs.Parse(args)
	if *workspace == "" || len(agents) == 0 {
		return fmt.Errorf("--workspace and at least one --agent are required")
	}
	results, err := client.Revalidate(ctx, *workspace, agents)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"results": results})
}

func runPromote(ctx context.Context, client *agentlane.Client, args []string) error {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id")
	agent := fs.String("agent", "", "agent id")
	_ = fs.Parse(args)
	if *workspace == "" || *agent == "" {
		return fmt.Errorf("--workspace and --agent are required")
	}
	spec, err := client.PromoteAgent(ctx, *workspace, *agent)
	if err != nil {
		return err
	}
	return printJSON(spec)
}

func runOverride(ctx context.Context, client *agentlane.Client, args []string) error {
	fs := flag.NewFlagSet("override", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace id")
	agent := fs.String("agent", "", "agent id")
	actor := fs.String("actor", "", "operator identity recorded on the override")
	_ = fs.Parse(args)
	if *workspace == "" || *agent == "" || *actor == "" {
		return fmt.Errorf("--workspace, --agent and --actor are required")
	}
	spec, err := client.OverrideInvalidation(ctx, *workspace, *agent, *actor)
	if err != nil {
		return err
	}
	return printJSON(spec)
}
