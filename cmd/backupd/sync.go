package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"vaultd/internal/authz"
	"vaultd/internal/cert"
	"vaultd/internal/config"
	"vaultd/internal/datastore"
	"vaultd/internal/snapshot"
	syncpkg "vaultd/internal/sync"
	"vaultd/internal/task"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull snapshots from a remote datastore",
	}
	cmd.AddCommand(newSyncRunCmd())
	return cmd
}

func newSyncRunCmd() *cobra.Command {
	var clientCertFile, clientKeyFile string
	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a configured pull job once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootFlags(cmd)
			e, err := newEnv(f)
			if err != nil {
				return err
			}

			var job *config.PullJobConfig
			for i := range e.cfg.PullJobs {
				if e.cfg.PullJobs[i].ID == args[0] {
					job = &e.cfg.PullJobs[i]
					break
				}
			}
			if job == nil {
				return fmt.Errorf("unknown pull job %q", args[0])
			}

			store, err := resolveStore(e, job.TargetStore)
			if err != nil {
				return err
			}
			if err := e.requireAuth(f.caller, "/datastore/"+job.TargetStore, authz.PrivBackup); err != nil {
				return err
			}

			tlsConfig, err := clientTLSConfig(e, clientCertFile, clientKeyFile)
			if err != nil {
				return fmt.Errorf("configure pull job %s: %w", job.ID, err)
			}

			puller, err := buildPuller(job, store, tlsConfig)
			if err != nil {
				return fmt.Errorf("configure pull job %s: %w", job.ID, err)
			}

			var result syncpkg.Result
			info, err := runJob(e, job.ID, "pull", func(ctx context.Context, prog *task.Progress) error {
				var runErr error
				result, runErr = puller.Run(ctx)
				prog.AddDone(int64(result.SnapshotsPulled))
				return runErr
			})
			if err != nil {
				return err
			}
			if err := jobErr(info); err != nil {
				return err
			}
			if result.Failed() {
				for _, groupErr := range result.Errors {
					fmt.Fprintln(cmd.ErrOrStderr(), groupErr.Error())
				}
			}
			return e.printer.emit(result, func() {
				e.printer.kv([][2]string{
					{"pulled", fmt.Sprint(result.SnapshotsPulled)},
					{"skipped", fmt.Sprint(result.SnapshotsSkipped)},
					{"errors", fmt.Sprint(len(result.Errors))},
				})
			})
		},
	}
	cmd.Flags().StringVar(&clientCertFile, "client-cert-file", "", "PEM client certificate presented to the remote for mTLS (optional)")
	cmd.Flags().StringVar(&clientKeyFile, "client-key-file", "", "PEM key for --client-cert-file")
	return cmd
}

// clientTLSConfig builds the TLS config the pull session's HTTP/2 client
// presents to the remote, when the caller supplied a client certificate
// for mTLS. The certificate is loaded through a cert.Manager and copied
// once into the returned tls.Config; each CLI run reads the files afresh,
// and a file rotated during a run does not reach the config already built.
func clientTLSConfig(e *env, certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	mgr := cert.New(cert.Config{Logger: e.logger})
	if err := mgr.LoadFromConfig("client", map[string]cert.CertSource{
		"client": {CertFile: certFile, KeyFile: keyFile},
	}); err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	crt := mgr.Certificate("client")
	if crt == nil {
		return nil, fmt.Errorf("client certificate %s/%s did not load", certFile, keyFile)
	}
	return &tls.Config{Certificates: []tls.Certificate{*crt}}, nil
}

// buildPuller wires one pull job's declarative config into a
// sync.RemoteSource + sync.Puller, the CLI's stand-in for the control
// plane's config-driven reconciliation loop (SPEC_FULL.md §A.3).
func buildPuller(job *config.PullJobConfig, targetStore *datastore.Store, tlsConfig *tls.Config) (*syncpkg.Puller, error) {
	source := syncpkg.NewRemoteSource(syncpkg.RemoteConfig{
		BaseURL:   job.RemoteURL,
		Store:     job.RemoteStore,
		TLSConfig: tlsConfig,
		Credentials: syncpkg.Credentials{
			APIToken: apiTokenHeader(job.AuthID, job.APIToken),
		},
	})

	sourceRoot, err := snapshot.ParseNamespace(job.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("source-root: %w", err)
	}
	targetPrefix, err := snapshot.ParseNamespace(job.TargetPrefix)
	if err != nil {
		return nil, fmt.Errorf("target-prefix: %w", err)
	}

	filters, err := buildGroupFilters(job.Filters)
	if err != nil {
		return nil, err
	}

	return syncpkg.New(syncpkg.Config{
		Source:          source,
		Target:          targetStore.Snapshots,
		TargetStore:     targetStore.Chunks,
		SourceRoot:      sourceRoot,
		TargetPrefix:    targetPrefix,
		Filters:         filters,
		Owner:           job.AuthID,
		TransferLast:    job.TransferLast,
		CreateNamespace: true,
		RemoveVanished:  job.RemoveVanished,
	}), nil
}

func buildGroupFilters(cfgFilters []config.GroupFilterConfig) (syncpkg.GroupFilters, error) {
	filters := make(syncpkg.GroupFilters, 0, len(cfgFilters))
	for _, f := range cfgFilters {
		filter := syncpkg.GroupFilter{
			Type:    snapshot.BackupType(f.Type),
			ID:      f.ID,
			Exclude: f.Exclude,
		}
		if f.Regex != "" {
			re, err := regexp.Compile(f.Regex)
			if err != nil {
				return nil, fmt.Errorf("compile filter regex %q: %w", f.Regex, err)
			}
			filter.Regex = re
		}
		filters = append(filters, filter)
	}
	return filters, nil
}

func apiTokenHeader(authid, secret string) string {
	if authid == "" || secret == "" {
		return ""
	}
	return authid + ":" + secret
}
