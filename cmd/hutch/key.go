package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/hutchcloud/hutch/pkg/api"
	"github.com/hutchcloud/hutch/pkg/events"
	"github.com/hutchcloud/hutch/pkg/sshexec"
)

// Key commands
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage operator SSH keys",
}

var keyRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an operator public key",
	Long: `Register an operator public key for distribution. Every box
subscribed to one of the key's groups converges on it; boxes created
later receive it in their seeded authorized_keys.

Without --file the default identities under ~/.ssh are tried.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		keyLine, path, err := readPublicKey(file)
		if err != nil {
			return err
		}

		groups, _ := cmd.Flags().GetStringSlice("group")
		owner, _ := cmd.Flags().GetString("owner")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		rec, err := c.RegisterKey(cmd.Context(), api.RegisterKeyRequest{
			Namespace: ns,
			Groups:    groups,
			PublicKey: keyLine,
			Owner:     owner,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Key registered: %s (%s, groups %v)\n", rec.Fingerprint, path, rec.Groups)
		return nil
	},
}

var keyDeregisterCmd = &cobra.Command{
	Use:   "deregister FINGERPRINT",
	Short: "Revoke an operator public key",
	Long: `Revoke a registered key by its SHA256 fingerprint. Boxes in the
affected groups drop it from authorized_keys as the removal reaches
them. Revoking an unknown fingerprint is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		groups, _ := cmd.Flags().GetStringSlice("group")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeregisterKey(cmd.Context(), ns, groups, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Key deregistered: %s\n", args[0])
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		keys, err := c.ListKeys(cmd.Context(), ns, group)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No keys registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintf(w, "FINGERPRINT\tOWNER\tGROUPS\tREGISTERED\n")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
				k.Fingerprint, orDash(k.Owner), k.Groups, k.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var keyWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream key registration events",
	Long: `Stream key changes as they happen. Runs until interrupted.

  hutch key watch -n /env/`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		stream, err := c.Watch(cmd.Context(), api.WatchOptions{
			Namespace: ns,
			Types:     []string{string(events.EventKeyRegistered), string(events.EventKeyDeregistered)},
		})
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			ev, err := stream.Next()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return err
			}
			fmt.Printf("%s  %-16s  %s group=%s seq=%d\n",
				ev.Timestamp.Format("15:04:05"), ev.Type, ev.Namespace, ev.Group, ev.Sequence)
		}
	},
}

func init() {
	keyCmd.PersistentFlags().StringP("namespace", "n", "/", "Namespace scoping the keys")

	keyRegisterCmd.Flags().StringP("file", "f", "", "Public key file (default: standard ~/.ssh identities)")
	keyRegisterCmd.Flags().StringSlice("group", nil, "Distribution groups (default: default)")
	keyRegisterCmd.Flags().String("owner", os.Getenv("USER"), "Owning operator account")

	keyDeregisterCmd.Flags().StringSlice("group", nil, "Groups to remove the key from (default: default)")

	keyListCmd.Flags().String("group", "", "Only keys in this group")

	keyCmd.AddCommand(keyRegisterCmd)
	keyCmd.AddCommand(keyDeregisterCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyWatchCmd)
}

// defaultIdentities are the public key files tried when --file is not
// given, in preference order.
var defaultIdentities = []string{"id_ed25519.pub", "id_rsa.pub", "id_ecdsa.pub"}

// readPublicKey loads and validates one authorized_keys line, from the
// given file or the first default identity present.
func readPublicKey(file string) (line, path string, err error) {
	candidates := []string{file}
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("no --file and no home directory: %v", err)
		}
		candidates = candidates[:0]
		for _, name := range defaultIdentities {
			candidates = append(candidates, filepath.Join(home, ".ssh", name))
		}
	}

	for _, candidate := range candidates {
		data, readErr := os.ReadFile(candidate)
		if readErr != nil {
			continue
		}
		if _, err := sshexec.Fingerprint(data); err != nil {
			return "", "", fmt.Errorf("%s: %v", candidate, err)
		}
		return strings.TrimSpace(string(data)), candidate, nil
	}
	if file != "" {
		return "", "", fmt.Errorf("failed to read public key %s", file)
	}
	return "", "", fmt.Errorf("no public key found under ~/.ssh; use --file")
}
