package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yourusername/cloud-render/internal/client"
	"github.com/yourusername/cloud-render/internal/logging"
)

const (
	envPrefix     = "RENDERCTL"
	legacyBaseURL = "CLOUD_RENDER_BASE_URL"
	defaultServer = "http://localhost:5000"
)

// app はサブコマンド間で共有する設定です。
type app struct {
	v *viper.Viper
}

func (a *app) client() (*client.Client, error) {
	server := strings.TrimSpace(a.v.GetString("server"))
	if server == "" {
		return nil, fmt.Errorf("render server url is not configured (--server or %s)", legacyBaseURL)
	}
	return client.New(server, client.WithOperator(a.v.GetString("operator_user"), a.v.GetString("operator_password")))
}

func (a *app) logger() *logrus.Logger {
	return logging.New(a.v.GetString("log_level"), "text")
}

func (a *app) pollInterval() time.Duration {
	d := a.v.GetDuration("interval")
	if d <= 0 {
		return 2 * time.Second
	}
	return d
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "renderctl",
		Short:         "Cloud render client",
		Long:          `renderctl packages MLT projects, uploads them to the render server and fetches the rendered output.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			// サブコマンドが無ければヘルプを表示する
			_ = cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.String("server", defaultServer, "render server base URL")
	flags.String("operator-user", "", "operator user for /list")
	flags.String("operator-password", "", "operator password for /list")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Duration("interval", 2*time.Second, "status polling interval")

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindPFlag("server", flags.Lookup("server"))
	_ = a.v.BindPFlag("operator_user", flags.Lookup("operator-user"))
	_ = a.v.BindPFlag("operator_password", flags.Lookup("operator-password"))
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("interval", flags.Lookup("interval"))
	// 旧クライアントの環境変数も受け付ける
	_ = a.v.BindEnv("server", envPrefix+"_SERVER", legacyBaseURL)

	root.AddCommand(
		newPackageCmd(a),
		newUploadCmd(a),
		newStatusCmd(a),
		newDownloadCmd(a),
		newListCmd(a),
		newSubmitCmd(a),
	)
	return root
}
