package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/harun/docsync/pkg/tracker"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	folderName        string
	folderPattern     string
	folderNoRecursive bool
	folderActiveOnly  bool
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Manage monitored folders",
}

var foldersAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Start monitoring a folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runFoldersAdd,
}

var foldersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored folders",
	Args:  cobra.NoArgs,
	RunE:  runFoldersList,
}

var foldersActivateCmd = &cobra.Command{
	Use:   "activate <folder>",
	Short: "Resume scanning a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFolderAction(cmd, args[0], "folder_activated", func(ctx context.Context, s *tracker.Store, id string) error {
			return s.ActivateFolder(ctx, id)
		})
	},
}

var foldersDeactivateCmd = &cobra.Command{
	Use:   "deactivate <folder>",
	Short: "Pause scanning a folder and skip its pending files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFolderAction(cmd, args[0], "folder_deactivated", func(ctx context.Context, s *tracker.Store, id string) error {
			return s.DeactivateFolder(ctx, id)
		})
	},
}

var foldersRemoveCmd = &cobra.Command{
	Use:   "remove <folder>",
	Short: "Stop monitoring a folder",
	Long: `Stop monitoring a folder. Its tracked files stay in the metadata store
but are no longer linked to a folder.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFolderAction(cmd, args[0], "folder_removed", func(ctx context.Context, s *tracker.Store, id string) error {
			return s.RemoveFolder(ctx, id)
		})
	},
}

var foldersImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Add folders listed in a YAML file",
	Long: `Add every folder listed in a YAML file:

  folders:
    - path: /srv/docs
      name: docs
      recursive: true
      pattern: "*.pdf"
      active: true

Folders whose path is already monitored are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runFoldersImport,
}

func init() {
	foldersAddCmd.Flags().StringVar(&folderName, "name", "", "display name (default is the directory name)")
	foldersAddCmd.Flags().StringVar(&folderPattern, "pattern", "", `file name filter, "*.ext" or a substring`)
	foldersAddCmd.Flags().BoolVar(&folderNoRecursive, "no-recursive", false, "do not descend into subdirectories")
	foldersListCmd.Flags().BoolVar(&folderActiveOnly, "active", false, "list active folders only")

	foldersCmd.AddCommand(foldersAddCmd)
	foldersCmd.AddCommand(foldersListCmd)
	foldersCmd.AddCommand(foldersActivateCmd)
	foldersCmd.AddCommand(foldersDeactivateCmd)
	foldersCmd.AddCommand(foldersRemoveCmd)
	foldersCmd.AddCommand(foldersImportCmd)
	rootCmd.AddCommand(foldersCmd)
}

func runFoldersAdd(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	recursive := !folderNoRecursive
	folder, err := env.c.Store.AddFolder(cmd.Context(), tracker.FolderParams{
		Path:        args[0],
		Name:        folderName,
		Recursive:   &recursive,
		ScanPattern: folderPattern,
	})
	if err != nil {
		return err
	}
	observability.RecordFolderAudit(cmd.Context(), "folder_added", folder.ID, map[string]interface{}{
		"path": folder.Path,
		"name": folder.Name,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Added folder %s (%s)\n", folder.Name, folder.ID)
	fmt.Fprintln(cmd.OutOrStdout(), "Run 'docsync scan' to pick up its files.")
	return nil
}

func runFoldersList(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	folders, err := env.c.Store.ListFolders(cmd.Context(), folderActiveOnly)
	if err != nil {
		return err
	}
	if len(folders) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No monitored folders.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVE\tRECURSIVE\tPATTERN\tLAST SCAN\tPATH")
	for _, f := range folders {
		lastScan := "never"
		if f.LastScanAt != nil {
			lastScan = f.LastScanAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\t%s\n",
			f.ID, f.Name, f.IsActive, f.Recursive, f.ScanPattern, lastScan, f.Path)
	}
	return w.Flush()
}

func runFolderAction(cmd *cobra.Command, ref, action string, fn func(context.Context, *tracker.Store, string) error) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	folder, err := env.c.Store.FindFolder(ctx, ref)
	if err != nil {
		return err
	}
	if err := fn(ctx, env.c.Store, folder.ID); err != nil {
		return err
	}
	observability.RecordFolderAudit(ctx, action, folder.ID, map[string]interface{}{
		"name": folder.Name,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", folder.Name, action)
	return nil
}

// folderImportFile is the YAML layout read by folders import
type folderImportFile struct {
	Folders []folderImportEntry `yaml:"folders"`
}

type folderImportEntry struct {
	Path      string `yaml:"path"`
	Name      string `yaml:"name"`
	Recursive *bool  `yaml:"recursive"`
	Pattern   string `yaml:"pattern"`
	Active    *bool  `yaml:"active"`
}

func readFolderImport(path string) ([]folderImportEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var file folderImportFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return file.Folders, nil
}

func runFoldersImport(cmd *cobra.Command, args []string) error {
	entries, err := readFolderImport(args[0])
	if err != nil {
		return err
	}

	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	var added, skipped int
	for _, entry := range entries {
		folder, err := env.c.Store.AddFolder(ctx, tracker.FolderParams{
			Path:        entry.Path,
			Name:        entry.Name,
			Recursive:   entry.Recursive,
			ScanPattern: entry.Pattern,
		})
		if err != nil {
			if ingesterr.IsKind(err, ingesterr.KindValidation) {
				cmd.PrintErrf("Skipped %s: %v\n", entry.Path, err)
				skipped++
				continue
			}
			return err
		}
		if entry.Active != nil && !*entry.Active {
			if err := env.c.Store.DeactivateFolder(ctx, folder.ID); err != nil {
				return err
			}
		}
		observability.RecordFolderAudit(ctx, "folder_added", folder.ID, map[string]interface{}{
			"path":   folder.Path,
			"name":   folder.Name,
			"source": args[0],
		})
		added++
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d folder(s), skipped %d\n", added, skipped)
	return nil
}
