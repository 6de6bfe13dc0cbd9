package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/rpc"
)

func main() {
	app := &cli.App{
		Name:  "pipectl",
		Usage: "Run and inspect the deployment pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to pipeline.toml",
				Value:   "pipeline.toml",
				EnvVars: []string{"PIPELINE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "coordinator",
				Usage:   "address of the pipeline coordinator i.e. `ci.mydomain` or `ci.mydomain:8123`",
				EnvVars: []string{"PIPELINE_COORDINATOR"},
			},
			&cli.StringFlag{
				Name:    "agent",
				Usage:   "address of the agent on the deployment host, defaults to host.address from the config",
				EnvVars: []string{"PIPELINE_AGENT"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "timeout when sending requests to the coordinator or agent",
				Value: time.Second * 15,
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "`logfmt` or `json`",
				Value: "logfmt",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Build, publish and deploy the working copy without a coordinator",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dir",
						Usage: "source checkout to build",
						Value: ".",
					},
					&cli.StringFlag{
						Name:  "commit",
						Usage: "commit id recorded for the run, defaults to HEAD of --dir",
					},
					&cli.BoolFlag{
						Name:  "local",
						Usage: "deploy to the docker daemon on this machine instead of the configured host",
					},
					&cli.StringFlag{
						Name:  "state-dir",
						Usage: "where --local keeps the deployment state",
						Value: ".pipeline",
					},
				},
				Action: runCmd,
			},
			{
				Name:   "runs",
				Usage:  "List recent pipeline runs on the coordinator",
				Flags:  []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20}},
				Action: runsCmd,
			},
			{
				Name:      "show",
				Usage:     "Show one pipeline run",
				ArgsUsage: "<run id>",
				Action:    showCmd,
			},
			{
				Name:      "trigger",
				Usage:     "Ask the coordinator to run a commit of the configured branch",
				ArgsUsage: "<commit id>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "branch", Value: "main"}},
				Action:    triggerCmd,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a run that has not started deploying",
				ArgsUsage: "<run id>",
				Action:    cancelCmd,
			},
			{
				Name:   "status",
				Usage:  "Get the services deployed on the host",
				Action: statusCmd,
			},
			{
				Name:      "logs",
				Usage:     "Get logs from a deployed service",
				ArgsUsage: "<service name>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "since",
						Usage: "start of the time window to query",
					},
				},
				Action: logsCmd,
			},
			{
				Name:   "plan",
				Usage:  "Show what provisioning the deployment host would change",
				Action: planCmd,
			},
			{
				Name:  "provision",
				Usage: "Create or update the deployment host and its firewall",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "replace",
						Usage: "allow terminating the host when its instance type, image or boot script changed",
					},
				},
				Action: provisionCmd,
			},
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}

	err := app.Run(os.Args)
	if err == nil {
		return
	}

	fmt.Fprint(os.Stderr, getErrorString(err))
	os.Exit(failure.ExitCode(err))
}

type appContext struct {
	Client  *rpc.Client
	BaseURL string
}

const coordinatorPort = "8123"

// connect prepares a client for the coordinator or agent at addr. A bare
// host gets defaultPort.
func connect(c *cli.Context, addr, defaultPort string) (*appContext, error) {
	if addr == "" {
		return nil, &failure.ConfigError{Field: "address", Cause: errors.New("no address given")}
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}
	dir, err := stateDir()
	if err != nil {
		return nil, err
	}

	id, err := rpc.LoadIdentity(dir, "pipectl")
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	trusted, err := loadTrustedCerts(dir)
	if err != nil {
		return nil, fmt.Errorf("reading trusted certs file: %w", err)
	}

	return &appContext{
		Client:  rpc.NewClient(id, c.Duration("timeout"), trusted),
		BaseURL: rpc.BaseURL(addr),
	}, nil
}

func stateDir() (string, error) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting homedir: %w", err)
	}
	return filepath.Join(homedir, ".pipectl"), nil
}

func loadTrustedCerts(dir string) (rpc.Fingerprints, error) {
	buf, err := os.ReadFile(filepath.Join(dir, "trustedcerts"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trusted certs file: %w", err)
	}

	var fingerprints rpc.Fingerprints
	scanner := bufio.NewScanner(bytes.NewBuffer(buf))
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			fingerprints = append(fingerprints, string(bytes.ToLower(line)))
		}
	}
	return fingerprints, scanner.Err()
}

func getErrorString(err error) string {
	es := &rpc.ErrUntrustedServer{}
	if errors.As(err, &es) {
		return fmt.Sprintf("The certificate presented by the server is not trusted. Use this command to trust it:\n\n  echo \"%s\" >> %s\n\n", es.Fingerprint, "~/.pipectl/trustedcerts")
	}

	ec := &rpc.ErrUntrustedClient{}
	if errors.As(err, &ec) {
		return fmt.Sprintf("The server does not trust your client certificate.\nStart it with this fingerprint in --trusted:\n\n  %s\n\n", ec.Fingerprint)
	}

	return fmt.Sprintf("error: %s\n", err)
}
