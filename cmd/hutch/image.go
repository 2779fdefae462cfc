package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Image commands
var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage captured box images",
}

var imageListCmd = &cobra.Command{
	Use:   "list [ROLE]",
	Short: "List captured images",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roleName := ""
		if len(args) == 1 {
			roleName = args[0]
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		images, err := c.ListImages(cmd.Context(), roleName)
		if err != nil {
			return err
		}
		if len(images) == 0 {
			fmt.Println("No images found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tSOURCE\tSTATE\tCAPTURED\n")
		for _, img := range images {
			source := fmt.Sprintf("%s%s %d", img.Source.Namespace, img.Source.Role, img.Source.Ordinal)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				img.ID, img.Name, source, img.State, img.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var imageDeleteCmd = &cobra.Command{
	Use:   "delete IMAGE_ID",
	Short: "Delete a captured image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteImage(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Image deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	imageCmd.AddCommand(imageListCmd)
	imageCmd.AddCommand(imageDeleteCmd)
}
