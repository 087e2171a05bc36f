package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/yourusername/cloud-render/internal/client"
	"github.com/yourusername/cloud-render/internal/packager"
)

func newPackageCmd(a *app) *cobra.Command {
	var archiveName string
	cmd := &cobra.Command{
		Use:   "package <project.mlt>",
		Short: "Rewrite media paths and build the upload archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := packager.New(
				packager.WithArchiveFilename(archiveName),
				packager.WithLogger(a.logger()),
			).Package(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archive: %s (%d resources)\n", res.ArchivePath, len(res.Resources))
			return nil
		},
	}
	cmd.Flags().StringVar(&archiveName, "archive-name", packager.DefaultArchiveFilename, "archive file name")
	return cmd
}

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <archive.zip>",
		Short: "Upload a packaged archive and print the job id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			res, err := upload(cmd, c, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.UniqueID)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the status of a render job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newDownloadCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download the rendered output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			dest := output
			if dest == "" {
				dest = args[0] + ".mp4"
			}
			return download(cmd, c, args[0], dest)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default <id>.mp4)")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List finished render outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			items, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			printArtifacts(cmd.OutOrStdout(), items)
			return nil
		},
	}
}

func newSubmitCmd(a *app) *cobra.Command {
	var output string
	var skipDownload bool
	cmd := &cobra.Command{
		Use:   "submit <project.mlt>",
		Short: "Package, upload, wait for the render and download the output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			res, err := packager.New(packager.WithLogger(a.logger())).Package(args[0])
			if err != nil {
				return err
			}
			up, err := upload(cmd, c, res.ArchivePath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job: %s\n", up.UniqueID)

			bar := progressbar.NewOptions(100,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetVisibility(isTerminal(cmd.ErrOrStderr())),
				progressbar.OptionSetDescription("rendering"),
				progressbar.OptionShowCount(),
			)
			st, err := c.WaitForCompletion(cmd.Context(), up.UniqueID, a.pollInterval(), func(st *client.Status) {
				switch st.Status {
				case "queued":
					pos := 0
					if st.Queue != nil {
						pos = *st.Queue
					}
					bar.Describe("queued (" + strconv.Itoa(pos) + " ahead)")
				default:
					bar.Describe(st.Status)
				}
				_ = bar.Set(st.Progress)
			})
			_ = bar.Finish()
			newlineIfTerminal(cmd.ErrOrStderr())
			if err != nil {
				if errors.Is(err, client.ErrJobFailed) && st != nil {
					printStatus(cmd.OutOrStdout(), st)
				}
				return err
			}
			if skipDownload {
				printStatus(cmd.OutOrStdout(), st)
				return nil
			}

			dest := output
			if dest == "" {
				dest = filepath.Join(filepath.Dir(res.ProjectPath), up.UniqueID+".mp4")
			}
			return download(cmd, c, up.UniqueID, dest)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default <project dir>/<id>.mp4)")
	cmd.Flags().BoolVar(&skipDownload, "no-download", false, "do not download the output")
	return cmd
}

func upload(cmd *cobra.Command, c *client.Client, archive string) (*client.UploadResult, error) {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetVisibility(isTerminal(cmd.ErrOrStderr())),
		progressbar.OptionSetDescription("uploading"),
		progressbar.OptionShowBytes(true),
	)
	res, err := c.Upload(cmd.Context(), archive, func(done, total int64) {
		if bar.GetMax64() != total {
			bar.ChangeMax64(total)
		}
		_ = bar.Set64(done)
	})
	_ = bar.Finish()
	newlineIfTerminal(cmd.ErrOrStderr())
	return res, err
}

func download(cmd *cobra.Command, c *client.Client, id, dest string) error {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetVisibility(isTerminal(cmd.ErrOrStderr())),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
	)
	n, err := c.DownloadToFile(cmd.Context(), id, dest, func(done, total int64) {
		if total > 0 && bar.GetMax64() != total {
			bar.ChangeMax64(total)
		}
		_ = bar.Set64(done)
	})
	_ = bar.Finish()
	newlineIfTerminal(cmd.ErrOrStderr())
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("output for %s is not available yet", id)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", dest, n)
	return nil
}

func printStatus(w io.Writer, st *client.Status) {
	fmt.Fprintf(w, "id:       %s\n", st.UniqueID)
	fmt.Fprintf(w, "status:   %s\n", colorStatus(st.Status))
	if st.Status == "unknown" {
		return
	}
	total := strconv.Itoa(st.Total)
	if !st.TotalEstimated {
		total += " (not estimated)"
	}
	fmt.Fprintf(w, "progress: %d%% (%d / %s)\n", st.Progress, st.Current, total)
	if st.Queue != nil {
		fmt.Fprintf(w, "queue:    %d\n", *st.Queue)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", st.Error)
	}
	if st.DownloadURL != "" {
		fmt.Fprintf(w, "download: %s\n", st.DownloadURL)
	}
}

func printArtifacts(w io.Writer, items []client.Artifact) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Job ID", "Size", "Created", "Download URL"})
	table.SetBorder(true)
	for _, it := range items {
		table.Append([]string{
			it.UniqueID,
			strconv.FormatInt(it.Size, 10),
			it.Created.Local().Format("2006-01-02 15:04:05"),
			it.DownloadURL,
		})
	}
	table.Render()
}

// isTerminal は w が端末に接続されているかを返します。パイプやファイルへの出力では進捗バーを表示しません。
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newlineIfTerminal(w io.Writer) {
	if isTerminal(w) {
		fmt.Fprintln(w)
	}
}

func colorStatus(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "error":
		return color.RedString(status)
	case "processing":
		return color.CyanString(status)
	case "queued":
		return color.YellowString(status)
	default:
		return status
	}
}
