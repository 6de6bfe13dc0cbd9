package main

import (
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
)

func logsCmd(c *cli.Context) error {
	service := c.Args().First()
	if service == "" {
		return errors.New("a service name is required")
	}

	cc, err := connectAgent(c)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Add("service", service)
	if since := c.Duration("since"); since > 0 {
		q.Add("since", strconv.FormatInt(time.Now().Add(-since).Unix(), 10))
	}

	resp, err := cc.Client.GET(c.Context, cc.BaseURL+"/logs?"+q.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

// hostOnly strips the SSH port from a host address.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
