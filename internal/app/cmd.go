package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hitoshi/newtifi/internal/config"
	"github.com/hitoshi/newtifi/internal/linking"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/spf13/cobra"
)

// Command はアプリケーションのサブコマンド名を表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションの削除ワーカーとして起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandAccount はCLIからのアカウント管理を示す。
	CommandAccount Command = "account"
)

// NewRootCommand はnewtifiのルートコマンドを生成する。
// サブコマンドを指定しない場合はserveとして動作する。wはログの出力先。
func NewRootCommand(w io.Writer) *cobra.Command {
	var envFile string
	initConfig := func() (*config.Config, error) {
		return Init(w, envFile)
	}

	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, err := initConfig()
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		return runServe(cmd.Context(), cfg)
	}

	root := &cobra.Command{
		Use:           "newtifi",
		Short:         "NewTIFI account identity service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a .env file (default: ./.env if present)")

	root.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "Start the HTTP API server",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		&cobra.Command{
			Use:   string(CommandWorker),
			Short: "Purge expired sessions periodically",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := initConfig()
				if err != nil {
					return fmt.Errorf("initialization failed: %w", err)
				}
				return runWorker(cmd.Context(), cfg)
			},
		},
		newMigrateCommand(initConfig),
		newHealthcheckCommand(),
		newAccountCommand(initConfig),
	)
	return root
}

// newMigrateCommand はマイグレーションの適用とロールバック、バージョン確認のコマンドを生成する。
func newMigrateCommand(initConfig func() (*config.Config, error)) *cobra.Command {
	var rollback int
	cmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rollback < 0 {
				return fmt.Errorf("--rollback must not be negative: %d", rollback)
			}
			cfg, err := initConfig()
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runMigrate(cfg, rollback)
		},
	}
	cmd.Flags().IntVar(&rollback, "rollback", 0, "roll back the given number of migrations instead of applying")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig()
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runMigrateVersion(cmd.OutOrStdout(), cfg)
		},
	})
	return cmd
}

// newHealthcheckCommand は軽量なヘルスチェックコマンドを生成する。
// フル初期化は行わない。
func newHealthcheckCommand() *cobra.Command {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Check that the local API server is healthy",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runHealthcheck(port)
		},
	}
	cmd.Flags().StringVar(&port, "port", port, "port of the local API server (env SERVER_PORT)")
	return cmd
}

// newAccountCommand はCLIからのアカウント管理コマンドを生成する。
// 操作者はlinking.SystemActorとして監査に記録される。
func newAccountCommand(initConfig func() (*config.Config, error)) *cobra.Command {
	account := &cobra.Command{
		Use:   string(CommandAccount),
		Short: "Manage accounts from the command line",
	}

	var roleEmail, role string
	setRole := &cobra.Command{
		Use:   "set-role",
		Short: "Change the role of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := model.Role(strings.ToLower(role))
			if !r.Valid() {
				return fmt.Errorf("invalid role %q: must be admin, contributor or member", role)
			}
			cfg, err := initConfig()
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			c, err := buildComponents(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			a, err := c.users.SetRoleByEmail(cmd.Context(), linking.SystemActor, roleEmail, r)
			if err != nil {
				return fmt.Errorf("failed to set role: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\trole=%s\n", a.ID, a.Email, a.Role)
			return nil
		},
	}
	setRole.Flags().StringVar(&roleEmail, "email", "", "email address of the account")
	setRole.Flags().StringVar(&role, "role", "", "admin, contributor or member")
	_ = setRole.MarkFlagRequired("email")
	_ = setRole.MarkFlagRequired("role")

	var suspendEmail, reason string
	var lift bool
	suspend := &cobra.Command{
		Use:   "suspend",
		Short: "Suspend an account, or lift a suspension with --lift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig()
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			c, err := buildComponents(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			a, err := c.users.SetSuspendedByEmail(cmd.Context(), linking.SystemActor, suspendEmail, !lift, reason)
			if err != nil {
				return fmt.Errorf("failed to update suspension: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tsuspended=%t\n", a.ID, a.Email, a.IsSuspended)
			return nil
		},
	}
	suspend.Flags().StringVar(&suspendEmail, "email", "", "email address of the account")
	suspend.Flags().StringVar(&reason, "reason", "", "reason shown to the suspended user")
	suspend.Flags().BoolVar(&lift, "lift", false, "lift the suspension instead")
	_ = suspend.MarkFlagRequired("email")

	account.AddCommand(setRole, suspend)
	return account
}
