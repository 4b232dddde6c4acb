package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/mtproto"
	mterrors "github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/network"
)

// callFlags are the routing flags shared by call and serve.
type callFlags struct {
	dc      int
	kind    string
	timeout time.Duration
}

func (f *callFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.dc, "dc", 0, "Datacenter id (default: the primary DC)")
	cmd.Flags().StringVar(&f.kind, "kind", string(network.KindMain), "Connection kind: main, upload, download or downloadSmall")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Call timeout (default: rpcTimeout from the config)")
}

func (f *callFlags) options() ([]network.CallOption, error) {
	kind, ok := network.ParseKind(f.kind)
	if !ok {
		return nil, mterrors.New("E140").WithDetail(fmt.Sprintf("Unknown connection kind %q", f.kind))
	}
	opts := []network.CallOption{network.WithKind(kind)}
	if f.dc != 0 {
		opts = append(opts, network.WithDC(f.dc))
	}
	if f.timeout > 0 {
		opts = append(opts, network.WithTimeout(f.timeout))
	}
	return opts, nil
}

func callCmd() *cobra.Command {
	var flags callFlags

	cmd := &cobra.Command{
		Use:   "call <json|@file|->",
		Short: "Send one RPC and print its result",
		Long: `Connect to the primary DC, send one request and print the result
as JSON.

The request is a JSON object whose "_" key names the method. Field
names may be camelCase or snake_case.

Examples:
  mtctl call '{"_": "help.getNearestDc"}'
  mtctl call @request.json --dc 4
  echo '{"_": "help.getConfig"}' | mtctl call -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args[0], flags)
		},
	}

	flags.register(cmd)

	return cmd
}

func runCall(cmd *cobra.Command, arg string, flags callFlags) error {
	opts, err := flags.options()
	if err != nil {
		return err
	}
	input, err := readRequest(arg, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return describe(err)
	}
	out, err := client.CallJSON(ctx, bytes.NewReader(input), opts...)
	if err != nil {
		return describe(err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(cmd.OutOrStdout())
	return err
}

// readRequest resolves the call argument: inline JSON, @path or - for stdin.
func readRequest(arg string, stdin io.Reader) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, mterrors.New("E140").WithDetail("Cannot read " + arg[1:]).Wrap(err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}

// newClient builds a client from the loaded config, logging to stderr.
func newClient(opts ...mtproto.Option) (*mtproto.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return mtproto.New(cfg, opts...)
}
