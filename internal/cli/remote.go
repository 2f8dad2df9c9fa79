package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	grpcsvc "github.com/vladislavdragonenkov/cartsync/internal/service/grpc"
)

// dialFunc открывает соединение с сервером; close освобождает его.
type dialFunc func(addr string) (conn grpc.ClientConnInterface, closeFn func() error, err error)

func dialGRPC(addr string) (grpc.ClientConnInterface, func() error, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.Close, nil
}

type remoteCall func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error)

type remoteSpec struct {
	use   string
	short string
	args  cobra.PositionalArgs
	call  remoteCall
}

func newRemoteCommands(opts *RootOptions) []*cobra.Command {
	var drain bool

	specs := []remoteSpec{
		{
			use: "open <order-id>", short: "Open a session and print catalog and order", args: cobra.ExactArgs(1),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				return c.OpenSession(ctx, args[0])
			},
		},
		{
			use: "catalog <order-id>", short: "Print the catalog snapshot", args: cobra.ExactArgs(1),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				return c.GetCatalog(ctx, args[0])
			},
		},
		{
			use: "order <order-id>", short: "Print the order snapshot", args: cobra.ExactArgs(1),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				return c.GetOrder(ctx, args[0])
			},
		},
		{
			use: "select <order-id> <entry-id>", short: "Select a catalog entry", args: cobra.ExactArgs(2),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				return c.SelectProduct(ctx, args[0], args[1])
			},
		},
		{
			use: "activate <order-id>", short: "Activate the order", args: cobra.ExactArgs(1),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				return c.ActivateOrder(ctx, args[0])
			},
		},
		{
			use: "retry <order-id>", short: "Reload the order after a failed write or load", args: cobra.ExactArgs(1),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				return c.RetryOrder(ctx, args[0])
			},
		},
		{
			use: "sort-catalog <order-id> <key> [asc|desc]", short: "Sort the catalog", args: cobra.RangeArgs(2, 3),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				return c.SortCatalog(ctx, args[0], args[1], optionalArg(args, 2))
			},
		},
		{
			use: "sort-order <order-id> <key> [asc|desc]", short: "Sort the order lines", args: cobra.RangeArgs(2, 3),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				return c.SortOrder(ctx, args[0], args[1], optionalArg(args, 2))
			},
		},
		{
			use: "notices <order-id>", short: "List session notices", args: cobra.ExactArgs(1),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				return c.ListNotices(ctx, args[0], drain)
			},
		},
		{
			use: "close <order-id>", short: "Close the session", args: cobra.ExactArgs(1),
			call: func(ctx context.Context, c *grpcsvc.Client, args []string) (any, error) {
				closed, err := c.CloseSession(ctx, args[0])
				return map[string]any{"closed": closed}, err
			},
		},
	}

	cmds := make([]*cobra.Command, 0, len(specs))
	for _, spec := range specs {
		cmd := &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			Args:  spec.args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runRemote(cmd, opts, spec.call, args)
			},
		}
		if cmd.Name() == "notices" {
			cmd.Flags().BoolVar(&drain, "drain", false, "clear notices after reading")
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func runRemote(cmd *cobra.Command, opts *RootOptions, call remoteCall, args []string) error {
	conn, closeFn, err := opts.dial(opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("dial %s", opts.Addr), err)
	}
	defer func() { _ = closeFn() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	out, err := call(ctx, grpcsvc.NewClient(conn), args)
	if err != nil {
		if st, ok := status.FromError(err); ok {
			return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", st.Code(), st.Message()))
		}
		return WrapExitError(ExitFailure, "request failed", err)
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
