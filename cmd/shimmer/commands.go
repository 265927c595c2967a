package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	shimmer "github.com/alexdcox/shimmer-go"
	"github.com/alexdcox/shimmer-go/secret"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func printJSON(w io.Writer, value any) error {
	j, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = fmt.Fprintln(w, string(j))
	return errors.WithStack(err)
}

func newInfoCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the info of the first reachable node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			client, err := newClient(v, nil)
			if err != nil {
				return
			}
			info, err := client.GetInfo(cmd.Context())
			if err != nil {
				return
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newOutputsCmd(v *viper.Viper) *cobra.Command {
	var bestEffort bool

	cmd := &cobra.Command{
		Use:   "outputs <output id>...",
		Short: "Fetch outputs, verified by quorum when one is configured",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			client, err := newClient(v, nil)
			if err != nil {
				return
			}

			var outputs []shimmer.OutputResponse
			if bestEffort {
				outputs, err = client.TryGetOutputs(cmd.Context(), args)
			} else {
				outputs, err = client.GetOutputs(cmd.Context(), args)
			}
			if err != nil {
				return
			}

			if bestEffort && len(outputs) < len(args) {
				log.Warn().Msgf("%d of %d outputs could not be fetched", len(args)-len(outputs), len(args))
			}

			return printJSON(cmd.OutOrStdout(), outputs)
		},
	}

	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "skip outputs that fail instead of aborting")
	return cmd
}

func newBlockCmd(v *viper.Viper) *cobra.Command {
	var raw, metadata bool

	cmd := &cobra.Command{
		Use:   "block <block id>",
		Short: "Fetch a block or its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			client, err := newClient(v, nil)
			if err != nil {
				return
			}

			switch {
			case raw:
				var data []byte
				if data, err = client.GetBlockRaw(cmd.Context(), args[0]); err != nil {
					return
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
				return errors.WithStack(err)
			case metadata:
				var meta *shimmer.BlockMetadata
				if meta, err = client.GetBlockMetadata(cmd.Context(), args[0]); err != nil {
					return
				}
				return printJSON(cmd.OutOrStdout(), meta)
			default:
				var block *shimmer.Block
				if block, err = client.GetBlock(cmd.Context(), args[0]); err != nil {
					return
				}
				return printJSON(cmd.OutOrStdout(), block)
			}
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print the binary block as hex")
	cmd.Flags().BoolVar(&metadata, "metadata", false, "print the block metadata")
	cmd.MarkFlagsMutuallyExclusive("raw", "metadata")
	return cmd
}

func newMilestoneCmd(v *viper.Viper) *cobra.Command {
	var utxoChanges bool

	cmd := &cobra.Command{
		Use:   "milestone <index>",
		Short: "Fetch a milestone or its utxo changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			index, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return errors.Wrapf(err, "invalid milestone index '%s'", args[0])
			}

			client, err := newClient(v, nil)
			if err != nil {
				return
			}

			if utxoChanges {
				changes, err := client.GetUtxoChangesByIndex(cmd.Context(), uint32(index))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), changes)
			}

			milestone, err := client.GetMilestoneByIndex(cmd.Context(), uint32(index))
			if err != nil {
				return
			}
			return printJSON(cmd.OutOrStdout(), milestone)
		},
	}

	cmd.Flags().BoolVar(&utxoChanges, "utxo-changes", false, "print the outputs created and consumed by the milestone")
	return cmd
}

// loadSecretManager accepts the secret manager json inline or as a file path.
func loadSecretManager(v *viper.Viper) (manager secret.SecretManager, err error) {
	value := strings.TrimSpace(v.GetString("secret-manager"))
	if value == "" {
		err = errors.New("no secret manager configured, set --secret-manager or SHIMMER_SECRET_MANAGER")
		return
	}

	data := []byte(value)
	if !strings.HasPrefix(value, "{") {
		if data, err = os.ReadFile(value); err != nil {
			err = errors.Wrapf(err, "failed to read secret manager file %s", value)
			return
		}
	}

	return secret.ParseSecretManager(data)
}

func closeSecretManager(manager secret.SecretManager) {
	closer, ok := manager.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close secret manager")
	}
}

func bindSecretManagerFlag(v *viper.Viper, cmd *cobra.Command) {
	cmd.Flags().String("secret-manager", "", `secret manager json, inline or a file path, e.g. {"Mnemonic": "..."}`)

	// Several commands define the flag, bind the one that is running.
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return errors.WithStack(v.BindPFlag("secret-manager", cmd.Flags().Lookup("secret-manager")))
	}
}

func newAddressesCmd(v *viper.Viper) *cobra.Command {
	var (
		network  string
		account  uint32
		start    uint32
		count    uint32
		internal bool
		detailed bool
	)

	cmd := &cobra.Command{
		Use:   "addresses",
		Short: "Derive bech32 addresses from the configured secret manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			params, err := shimmer.Network(network).Params()
			if err != nil {
				return
			}

			manager, err := loadSecretManager(v)
			if err != nil {
				return
			}
			defer closeSecretManager(manager)

			builder := secret.NewAddressBuilder(manager).
				WithNetwork(params).
				WithAccountIndex(account).
				WithRange(start, start+count).
				WithInternal(internal)

			if detailed {
				addresses, err := builder.FinishDetailed(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), addresses)
			}

			addresses, err := builder.Finish(cmd.Context())
			if err != nil {
				return
			}
			for _, address := range addresses {
				if _, err = fmt.Fprintln(cmd.OutOrStdout(), address); err != nil {
					return errors.WithStack(err)
				}
			}
			return
		},
	}

	bindSecretManagerFlag(v, cmd)
	cmd.Flags().StringVar(&network, "network", string(shimmer.NetworkShimmer), "iota-mainnet|iota-testnet|shimmer|testnet")
	cmd.Flags().Uint32Var(&account, "account", 0, "account index")
	cmd.Flags().Uint32Var(&start, "start", 0, "first address index")
	cmd.Flags().Uint32Var(&count, "count", 1, "number of addresses")
	cmd.Flags().BoolVar(&internal, "internal", false, "derive change addresses")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "print account and key index with each address")
	return cmd
}

func newMnemonicCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mnemonic",
		Short: "Generate a new 24 word mnemonic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			phrase, err := secret.GenerateMnemonic()
			if err != nil {
				return
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), phrase)
			return errors.WithStack(err)
		},
	}
}

func newStoreMnemonicCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store-mnemonic",
		Short: "Store a mnemonic, read from stdin, in a stronghold secret manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			manager, err := loadSecretManager(v)
			if err != nil {
				return
			}
			defer closeSecretManager(manager)

			if manager.Kind() != secret.KindStronghold {
				return errors.Wrapf(secret.ErrOperationUnsupported, "storing a mnemonic in a %s secret manager", manager.Kind())
			}

			phrase, err := readMnemonic(cmd.InOrStdin())
			if err != nil {
				return
			}

			return storeMnemonic(cmd.Context(), manager, phrase)
		},
	}

	bindSecretManagerFlag(v, cmd)
	return cmd
}

func readMnemonic(r io.Reader) (phrase string, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	if err = scanner.Err(); err != nil {
		return "", errors.WithStack(err)
	}
	return "", errors.Wrap(secret.ErrMissingField, "mnemonic on stdin")
}

func storeMnemonic(ctx context.Context, manager secret.SecretManager, phrase string) (err error) {
	if err = manager.StoreMnemonic(ctx, phrase); err != nil {
		return
	}
	log.Info().Msg("mnemonic stored")
	return
}
