package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/mtproto/internal/config"
	mterrors "github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/crypto"
	"github.com/vango-dev/mtproto/pkg/session"
	"github.com/vango-dev/mtproto/pkg/storage"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and delete stored auth keys",
		Long: `Inspect and delete the authorization keys kept by the configured
storage driver. Key material is never printed, only key ids.`,
	}
	cmd.AddCommand(keysShowCmd(), keysDeleteCmd())
	return cmd
}

func keysShowCmd() *cobra.Command {
	var dc int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the ids of the keys stored for a DC",
		Long: `Print the permanent key id of a DC and, for each main connection,
the id and expiry of its temporary key.

Examples:
  mtctl keys show
  mtctl keys show --dc 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			if dc == 0 {
				dc = cfg.DC.ID
			}
			return showKeys(cmd.Context(), cmd.OutOrStdout(), store, dc, cfg.Connections.Main, time.Now())
		},
	}

	cmd.Flags().IntVar(&dc, "dc", 0, "Datacenter id (default: the configured primary DC)")

	return cmd
}

func showKeys(ctx context.Context, w io.Writer, store storage.AuthKeyStore, dc, mainCount int, now time.Time) error {
	key, err := store.AuthKey(ctx, dc)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintf(w, "DC %d\n", dc)
	if key == nil {
		fmt.Fprintln(w, "  permanent: none")
	} else {
		id, err := keyID(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  permanent: %s\n", id)
	}

	for i := 0; i < mainCount; i++ {
		tmp, err := store.TempAuthKey(ctx, dc, i, now)
		if err != nil {
			return describe(err)
		}
		if tmp == nil {
			continue
		}
		id, err := keyID(tmp)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  temp[%d]:   %s\n", i, id)
	}
	return nil
}

func keyID(key []byte) (string, error) {
	k := session.NewAuthKey(crypto.Default())
	if err := k.Set(key); err != nil {
		return "", mterrors.New("E040").Wrap(err)
	}
	return hex.EncodeToString(k.ID()), nil
}

func keysDeleteCmd() *cobra.Command {
	var (
		dc  int
		all bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete stored keys",
		Long: `Delete the permanent and temporary keys of one DC, or of every DC.

The next connection negotiates a fresh key.

Examples:
  mtctl keys delete --dc 2
  mtctl keys delete --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dc == 0 && !all {
				return mterrors.New("E140").
					WithDetail("keys delete needs --dc or --all")
			}
			_, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := deleteKeys(cmd.Context(), store, dc, all); err != nil {
				return err
			}
			if all {
				success("Deleted every stored key")
			} else {
				success("Deleted keys of DC %d", dc)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&dc, "dc", 0, "Datacenter id")
	cmd.Flags().BoolVar(&all, "all", false, "Delete the keys of every DC")

	return cmd
}

func deleteKeys(ctx context.Context, store storage.AuthKeyStore, dc int, all bool) error {
	var err error
	if all {
		err = store.DeleteAll(ctx)
	} else {
		err = store.DeleteByDC(ctx, dc)
	}
	return describe(err)
}

// openStore loads the config and opens its key store.
func openStore(ctx context.Context) (*config.Config, storage.AuthKeyStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	sc := cfg.Storage
	sc.Path = cfg.StoragePath()
	store, err := storage.Open(ctx, sc)
	if err != nil {
		return nil, nil, err
	}
	if sc.Driver == config.DriverMemory {
		warn("storage.driver is memory; nothing persists between runs")
	}
	return cfg, store, nil
}
