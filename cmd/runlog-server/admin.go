package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/marcus/runlog/internal/api"
	"github.com/marcus/runlog/internal/serverdb"
)

func runAdmin(args []string) {
	if len(args) == 0 {
		printAdminUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "create-project":
		runAdminCreateProject(args[1:])
	case "projects":
		runAdminProjects(args[1:])
	case "runs":
		runAdminRuns(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n", args[0])
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, `Usage: runlog-server admin <command> [flags]

Commands:
  create-project  Create a project (idempotent by name)
  projects        List projects
  runs            List the runs of a project`)
}

func openDB(dbPath string) *serverdb.ServerDB {
	if dbPath == "" {
		cfg := api.LoadConfig()
		dbPath = cfg.ServerDBPath
	}
	store, err := serverdb.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	return store
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	dbPath := fs.String("db", "", "path to server.db (default: from RUNLOG_SERVER_DB_PATH or ./data/server.db)")
	return fs, dbPath
}

func runAdminCreateProject(args []string) {
	fs, dbPath := newFlagSet("admin create-project")
	name := fs.String("name", "", "project name")
	workspace := fs.StringP("workspace", "w", "default", "workspace the project belongs to")
	fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	p, created, err := store.CreateProject(*workspace, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("created project %s/%s\n", p.Workspace, p.Name)
	} else {
		fmt.Printf("project %s/%s already exists\n", p.Workspace, p.Name)
	}
	fmt.Printf("  id:  %s\n", p.ID)
	fmt.Printf("  key: %s\n", p.Key)
}

func runAdminProjects(args []string) {
	fs, dbPath := newFlagSet("admin projects")
	fs.Parse(args)

	store := openDB(*dbPath)
	defer store.Close()

	projects, err := store.ListProjects()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, p := range projects {
		fmt.Printf("%-8s %s/%s  %s  (%d runs)\n", p.Key, p.Workspace, p.Name, p.ID, p.RunCounter)
	}
}

func runAdminRuns(args []string) {
	fs, dbPath := newFlagSet("admin runs")
	project := fs.StringP("project", "p", "", "project name or id")
	fs.Parse(args)

	if *project == "" {
		fmt.Fprintln(os.Stderr, "error: --project is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	p, err := store.GetProject(*project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	runs, err := store.ListRuns(p.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, e := range runs {
		line := fmt.Sprintf("%-12s %s  %s", e.ShortID, e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"))
		if e.CustomRunID != "" {
			line += "  custom=" + e.CustomRunID
		}
		fmt.Println(line)
	}
}
