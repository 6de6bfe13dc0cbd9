package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/config"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/rpc"
)

func statusCmd(c *cli.Context) error {
	cc, err := connectAgent(c)
	if err != nil {
		return err
	}

	state := &api.DeploymentState{}
	if err := cc.getJSON(c, "/state", state); err != nil {
		return err
	}

	printDeploymentState(state, time.Now(), os.Stdout)
	return nil
}

// connectAgent reaches the agent named by --agent, falling back to the
// configured host.
func connectAgent(c *cli.Context) (*appContext, error) {
	addr := c.String("agent")
	if addr == "" {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return nil, err
		}
		addr = hostOnly(cfg.Host.Address)
	}
	return connect(c, addr, rpc.DefaultPort)
}

func printDeploymentState(state *api.DeploymentState, now time.Time, w io.Writer) {
	names := make([]string, 0, len(state.Services))
	for name := range state.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "commit: %s\n", shortCommit(state.Commit))
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "SERVICE\tIMAGE\tPORT\tCONTAINER\tUPDATED\n")
	for _, name := range names {
		svc := state.Services[name]
		updated := ""
		if !svc.UpdatedAt.IsZero() {
			updated = durationToString(now.Sub(svc.UpdatedAt))
		}
		fmt.Fprintf(tr, "%s\t%s\t%d\t%s\t%s\n", name, svc.Image, svc.Port, shortDigest(svc.ContainerID), updated)
	}
	tr.Flush()
}

func durationToString(d time.Duration) string {
	hr := d.Hours()
	if hr > 24 {
		return fmt.Sprintf("%dd", int(hr/24))
	}
	if hr > 1 {
		return fmt.Sprintf("%dh", int(hr))
	}

	min := d.Minutes()
	if min > 1 {
		return fmt.Sprintf("%dm", int(min))
	}

	return fmt.Sprintf("%ds", int(d.Seconds()))
}
