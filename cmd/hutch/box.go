package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hutchcloud/hutch/pkg/api"
	"github.com/hutchcloud/hutch/pkg/namespace"
	"github.com/hutchcloud/hutch/pkg/types"
)

// Box commands
var boxCmd = &cobra.Command{
	Use:   "box",
	Short: "Manage boxes",
}

var boxCreateCmd = &cobra.Command{
	Use:   "create ROLE",
	Short: "Create and bootstrap a box",
	Long: `Create a compute box for a role, wait for SSH, run the role's
bootstrap steps, and seed the admin account's authorized_keys with the
operator keys registered for the role's groups.

With --async the command returns as soon as the control plane accepts
the request; progress shows up in 'hutch box list'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		req := api.CreateBoxRequest{Namespace: ns, Role: args[0]}
		if cmd.Flags().Changed("ordinal") {
			ordinal, _ := cmd.Flags().GetInt("ordinal")
			req.Ordinal = &ordinal
		}
		req.ImageID, _ = cmd.Flags().GetString("image")
		req.InstanceType, _ = cmd.Flags().GetString("type")
		req.KeepVolumes, _ = cmd.Flags().GetBool("keep-volumes")
		if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
			req.TimeoutSeconds = int(timeout.Seconds())
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		if async, _ := cmd.Flags().GetBool("async"); async {
			if err := c.CreateAsync(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Printf("✓ Create accepted: %s%s\n", ns, args[0])
			return nil
		}

		fmt.Printf("Creating box %s%s...\n", ns, args[0])
		box, err := c.CreateBox(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Box ready: %s (address %s, admin %s)\n", box.ID, box.Address, box.AdminUser)
		return nil
	},
}

var boxListCmd = &cobra.Command{
	Use:   "list [ROLE]",
	Short: "List boxes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		roleName := ""
		if len(args) == 1 {
			roleName = args[0]
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		boxes, err := c.ListBoxes(cmd.Context(), ns, roleName)
		if err != nil {
			return err
		}
		if len(boxes) == 0 {
			fmt.Println("No boxes found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintf(w, "NAMESPACE\tROLE\tORDINAL\tSTATE\tADDRESS\tIMAGE\n")
		for _, b := range boxes {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				b.Namespace, b.Role, b.Ordinal, b.State, orDash(b.Address), orDash(b.ImageID))
		}
		return w.Flush()
	},
}

var boxSSHCmd = &cobra.Command{
	Use:   "ssh ROLE [ORDINAL] [-- COMMAND...]",
	Short: "Open an SSH session to a box",
	Long: `Open an interactive SSH session to a box's admin account, or run a
one-off command:

  hutch box ssh worker
  hutch box ssh worker 2
  hutch box ssh worker 2 -- systemctl status hutch-agent`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		roleName, ordinalArg, remote, err := splitSSHArgs(cmd, args)
		if err != nil {
			return err
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		box, err := resolveBox(cmd, c, ns, roleName, ordinalArg)
		if err != nil {
			return err
		}
		if box.Address == "" {
			return fmt.Errorf("box %s has no address (state %s)", box.ID, box.State)
		}

		sshArgs := []string{fmt.Sprintf("%s@%s", box.AdminUser, box.Address)}
		sshArgs = append(sshArgs, remote...)
		ssh := exec.Command("ssh", sshArgs...)
		ssh.Stdin = os.Stdin
		ssh.Stdout = os.Stdout
		ssh.Stderr = os.Stderr
		return ssh.Run()
	},
}

var boxStopCmd = &cobra.Command{
	Use:   "stop ROLE [ORDINAL]",
	Short: "Stop a ready box",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  boxLifecycle("Stopping", (*api.Client).StopBox),
}

var boxStartCmd = &cobra.Command{
	Use:   "start ROLE [ORDINAL]",
	Short: "Start a stopped box",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  boxLifecycle("Starting", (*api.Client).StartBox),
}

var boxTerminateCmd = &cobra.Command{
	Use:   "terminate ROLE [ORDINAL]",
	Short: "Terminate a box",
	Long: `Terminate a box, releasing its compute resource. Volumes marked
keep-on-terminate are detached and kept; everything else goes with the
box. The registry record is retained (state terminated) for audit.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: boxLifecycle("Terminating", (*api.Client).TerminateBox),
}

var boxImageCmd = &cobra.Command{
	Use:   "image ROLE [ORDINAL]",
	Short: "Capture an image of a stopped box",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		box, err := resolveBox(cmd, c, ns, args[0], ordinalArg(args))
		if err != nil {
			return err
		}

		req := api.ImageBoxRequest{}
		req.TerminateAfter, _ = cmd.Flags().GetBool("terminate")
		if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
			req.TimeoutSeconds = int(timeout.Seconds())
		}

		fmt.Printf("Capturing image of %s...\n", box.ID)
		img, err := c.ImageBox(cmd.Context(), box.ID, req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Image captured: %s (ID: %s)\n", img.Name, img.ID)
		return nil
	},
}

var boxGrowCmd = &cobra.Command{
	Use:   "grow ROLE",
	Short: "Create several boxes of one role in parallel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		count, _ := cmd.Flags().GetInt("count")
		parallel, _ := cmd.Flags().GetInt("parallel")

		req := api.CreateBoxRequest{Namespace: ns, Role: args[0], Count: count, Parallel: parallel}
		req.ImageID, _ = cmd.Flags().GetString("image")
		req.InstanceType, _ = cmd.Flags().GetString("type")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		fmt.Printf("Growing %s%s to +%d boxes...\n", ns, args[0], count)
		result, err := c.Grow(cmd.Context(), req)
		if err != nil {
			return err
		}
		for _, b := range result.Created {
			fmt.Printf("✓ Box ready: %s (address %s)\n", b.ID, b.Address)
		}
		for _, f := range result.Failed {
			fmt.Printf("✗ %s\n", f.Error)
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("%d of %d creates failed", len(result.Failed), count)
		}
		return nil
	},
}

func init() {
	boxCmd.PersistentFlags().StringP("namespace", "n", "/", "Namespace the boxes live in")

	boxCreateCmd.Flags().Int("ordinal", 0, "Pin the instance slot (default: lowest free)")
	boxCreateCmd.Flags().String("image", "", "Image ID overriding the role default")
	boxCreateCmd.Flags().String("type", "", "Instance type overriding the role default")
	boxCreateCmd.Flags().Bool("keep-volumes", false, "Keep attached volumes when the box terminates")
	boxCreateCmd.Flags().Duration("timeout", 0, "Provisioning deadline (default: server setting)")
	boxCreateCmd.Flags().Bool("async", false, "Return once accepted instead of waiting for ready")

	boxImageCmd.Flags().Bool("terminate", false, "Terminate the box after the capture")
	boxImageCmd.Flags().Duration("timeout", 0, "Capture deadline (default: server setting)")

	boxGrowCmd.Flags().Int("count", 2, "How many boxes to create")
	boxGrowCmd.Flags().Int("parallel", 0, "Parallel creates (default: count)")
	boxGrowCmd.Flags().String("image", "", "Image ID overriding the role default")
	boxGrowCmd.Flags().String("type", "", "Instance type overriding the role default")

	boxCmd.AddCommand(boxCreateCmd)
	boxCmd.AddCommand(boxListCmd)
	boxCmd.AddCommand(boxSSHCmd)
	boxCmd.AddCommand(boxStopCmd)
	boxCmd.AddCommand(boxStartCmd)
	boxCmd.AddCommand(boxTerminateCmd)
	boxCmd.AddCommand(boxImageCmd)
	boxCmd.AddCommand(boxGrowCmd)
}

// boxLifecycle builds the shared body of stop, start and terminate.
func boxLifecycle(verb string, op func(*api.Client, context.Context, string) (*api.BoxView, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceFlag(cmd)
		if err != nil {
			return err
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		box, err := resolveBox(cmd, c, ns, args[0], ordinalArg(args))
		if err != nil {
			return err
		}
		fmt.Printf("%s %s...\n", verb, box.ID)
		box, err = op(c, cmd.Context(), box.ID)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Box %s\n", box.State)
		return nil
	}
}

// resolveBox finds the one live box named by a role and an optional
// ordinal, mirroring the server-side resolver: an explicit ordinal
// addresses exactly one slot; without one the role must have exactly
// one live box in the namespace.
func resolveBox(cmd *cobra.Command, c *api.Client, ns, roleName, ordinalArg string) (*api.BoxView, error) {
	if ordinalArg != "" {
		ordinal, err := strconv.Atoi(ordinalArg)
		if err != nil || ordinal < 0 {
			return nil, fmt.Errorf("bad ordinal %q", ordinalArg)
		}
		id := namespace.ToProviderName(ns+roleName) + "-" + strconv.Itoa(ordinal)
		return c.GetBox(cmd.Context(), id)
	}

	boxes, err := c.ListBoxes(cmd.Context(), ns, roleName)
	if err != nil {
		return nil, err
	}
	live := boxes[:0]
	for _, b := range boxes {
		if b.State != string(types.StateTerminated) {
			live = append(live, b)
		}
	}
	switch len(live) {
	case 0:
		return nil, fmt.Errorf("no %s box in %s", roleName, ns)
	case 1:
		return &live[0], nil
	default:
		ordinals := make([]string, len(live))
		for i, b := range live {
			ordinals[i] = strconv.Itoa(b.Ordinal)
		}
		return nil, fmt.Errorf("role %s has %d live boxes in %s (ordinals %s); name one",
			roleName, len(live), ns, strings.Join(ordinals, ", "))
	}
}

// splitSSHArgs separates [ROLE [ORDINAL]] from everything after "--".
func splitSSHArgs(cmd *cobra.Command, args []string) (roleName, ordinal string, remote []string, err error) {
	local := args
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		local, remote = args[:dash], args[dash:]
	}
	if len(local) == 0 {
		return "", "", nil, fmt.Errorf("role is required")
	}
	if len(local) > 2 {
		return "", "", nil, fmt.Errorf("unexpected argument %q (use -- before a remote command)", local[2])
	}
	roleName = local[0]
	if len(local) > 1 {
		ordinal = local[1]
	}
	return roleName, ordinal, remote, nil
}

func ordinalArg(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func namespaceFlag(cmd *cobra.Command) (string, error) {
	ns, _ := cmd.Flags().GetString("namespace")
	if err := namespace.Validate(ns); err != nil {
		return "", err
	}
	return ns, nil
}
