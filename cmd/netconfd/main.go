// Command netconfd is the process entry point: it wires configuration into
// a schema adapter, datastore client, SSH transport, and the
// dispatch/session/publish collaborators, then runs until a shutdown
// signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alliedtelesis/apteryx-netconf/audit"
	"github.com/alliedtelesis/apteryx-netconf/dispatch"
	"github.com/alliedtelesis/apteryx-netconf/edit"
	"github.com/alliedtelesis/apteryx-netconf/internal/trace"
	"github.com/alliedtelesis/apteryx-netconf/publish"
	"github.com/alliedtelesis/apteryx-netconf/query"
	"github.com/alliedtelesis/apteryx-netconf/schema/yangschema"
	"github.com/alliedtelesis/apteryx-netconf/session"
	"github.com/alliedtelesis/apteryx-netconf/store/badgerstore"
	"github.com/alliedtelesis/apteryx-netconf/transport/ssh"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "netconfd",
	Short: "NETCONF 1.1 server core",
	Long: `netconfd serves NETCONF 1.1 sessions over SSH: hello/capability
exchange, get/get-config/edit-config, locking, and kill-session, against a
schema-described datastore.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	def := defaultConfig()
	flags := rootCmd.Flags()
	flags.String("schema-dir", def.SchemaDir, "directory of YANG-derived schema descriptions")
	flags.String("datastore-dir", def.DatastoreDir, "datastore storage directory (empty for in-memory)")
	flags.String("listen-address", def.ListenAddress, "TCP address to accept SSH connections on")
	flags.String("host-key-path", def.HostKeyPath, "path to persist/load the SSH host key")
	flags.Int("max-sessions", def.MaxSessions, "maximum concurrent NETCONF sessions")
	flags.String("audit-config", def.AuditConfig, "path to the audit-log enablement file")
	flags.String("audit-output", def.AuditOutput, "path to append audit-log lines to")
	flags.Duration("receive-timeout", def.ReceiveTimeout, "per-frame receive timeout")
	flags.String("username", def.Username, "accepted SSH username")
	flags.String("password", def.Password, "accepted SSH password")
	flags.StringVar(&configFile, "config", "", "optional YAML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags(), configFile)
	if err != nil {
		return err
	}

	schemaAdapter, err := yangschema.Load(cfg.SchemaDir)
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	datastore, err := badgerstore.Open(cfg.DatastoreDir)
	if err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer datastore.Close()

	auditLog, err := audit.Open(cfg.AuditConfig, cfg.AuditOutput)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLog.Close()

	sessions := session.NewManager(cfg.MaxSessions)

	dispatcher := &dispatch.Dispatcher{
		Schema:   schemaAdapter,
		Sessions: sessions,
		Query: &query.Engine{
			Schema:   schemaAdapter,
			Store:    datastore,
			Sessions: sessions,
			Audit:    auditLog,
		},
		Edit: &edit.Engine{
			Schema:   schemaAdapter,
			Store:    datastore,
			Sessions: sessions,
			Audit:    auditLog,
		},
		Audit:          auditLog,
		ReceiveTimeout: cfg.ReceiveTimeout,
	}

	publisher := &publish.Publisher{Sessions: sessions, Store: datastore}
	publisher.Start()

	sshConfig, err := ssh.Config(cfg.HostKeyPath, ssh.StaticAuthenticator{Username: cfg.Username, Password: cfg.Password})
	if err != nil {
		return fmt.Errorf("building SSH configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = trace.With(ctx, trace.Default)

	server, err := ssh.Listen(ctx, cfg.ListenAddress, sshConfig, dispatcher)
	if err != nil {
		return fmt.Errorf("starting SSH listener: %w", err)
	}
	defer server.Close()

	<-ctx.Done()
	return nil
}
