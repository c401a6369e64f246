// Command vaultnode runs, or exercises, a storage-network node: `serve`
// bootstraps an Elder or Adult per the loaded configuration; `chunk` and
// `metadata` operate directly against local stores for debugging, the way
// the teacher's cmd/cli tools poke at core state without a running network.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cmdconfig "github.com/vaultmesh/vaultnode/cmd/config"
	"github.com/vaultmesh/vaultnode/internal/chunkstore"
	"github.com/vaultmesh/vaultnode/internal/dispatch"
	"github.com/vaultmesh/vaultnode/internal/engine"
	"github.com/vaultmesh/vaultnode/internal/httpapi"
	"github.com/vaultmesh/vaultnode/internal/kvstore"
	"github.com/vaultmesh/vaultnode/internal/metadata"
	"github.com/vaultmesh/vaultnode/internal/metrics"
	"github.com/vaultmesh/vaultnode/internal/model"
	"github.com/vaultmesh/vaultnode/internal/obs"
	"github.com/vaultmesh/vaultnode/internal/routing"
	"github.com/vaultmesh/vaultnode/internal/xaddr"
	"github.com/vaultmesh/vaultnode/pkg/config"
)

var envName string

func main() {
	rootCmd := &cobra.Command{
		Use:              "vaultnode",
		PersistentPreRun: bootstrapConfig,
	}
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "environment overlay to merge onto the default config (e.g. adult)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chunkCmd())
	rootCmd.AddCommand(metadataCmd())
	rootCmd.AddCommand(clientCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrapConfig loads .env then the layered YAML config, panicking on
// failure exactly as the teacher's cmd/config.LoadConfig does — acceptable
// at process bootstrap only.
func bootstrapConfig(cmd *cobra.Command, _ []string) {
	_ = godotenv.Load()
	cmdconfig.LoadConfig(envName)
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := obs.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run this node as configured (role, network, storage)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := &cmdconfig.AppConfig
			log := newLogger(cfg)
			reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

			if cfg.Metrics.Enabled {
				go serveMetrics(log, cfg.Metrics.ListenAddr)
			}

			self := nodeSelfAddress(cfg.Role.SectionPrefix)
			node, err := routing.NewNodeHandle(log, cfg.Network.ListenAddr, self, prefixMatcher(cfg.Role.SectionPrefix))
			if err != nil {
				log.WithError(err).Fatal("failed to bootstrap routing layer")
			}
			defer node.Close()

			ctx, cancel := signalContext()
			defer cancel()

			switch cfg.Role.Kind {
			case "elder":
				runElder(ctx, log, cfg, node, reg)
			case "adult":
				runAdult(ctx, log, cfg, node, reg)
			default:
				log.WithField("role", cfg.Role.Kind).Fatal("infant role has no serving duties; wait for promotion")
			}
		},
	}
}

func serveMetrics(log *logrus.Logger, listenAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.WithField("addr", listenAddr).Info("serving metrics")
	if err := http.ListenAndServe(listenAddr, mux); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func nodeSelfAddress(sectionPrefixHex string) xaddr.Address {
	if addr, err := xaddr.ParseHex(sectionPrefixHex); err == nil {
		return addr
	}
	return xaddr.Derive([]byte(sectionPrefixHex), xaddr.VariantPublic)
}

func prefixMatcher(sectionPrefixHex string) func(xaddr.Address) bool {
	prefix, err := xaddr.ParseHex(sectionPrefixHex)
	if err != nil {
		return func(xaddr.Address) bool { return true }
	}
	return func(addr xaddr.Address) bool { return addr[0] == prefix[0] }
}

// elderLocalState builds the dispatcher's local-state view for a Metadata
// Elder: it owns any client whose address falls in this section, since a
// single-section deployment never defers a PushToClient decision to a
// sibling Elder.
func elderLocalState(node *routing.NodeHandle) dispatch.LocalState {
	return dispatch.LocalState{
		SelfID:             node.Self(),
		Role:               model.RoleElder,
		PrefixMatches:      node.MatchesOurPrefix,
		IsHandlerForClient: node.MatchesOurPrefix,
	}
}

func adultLocalState(node *routing.NodeHandle) dispatch.LocalState {
	return dispatch.LocalState{
		SelfID:        node.Self(),
		Role:          model.RoleAdult,
		PrefixMatches: node.MatchesOurPrefix,
	}
}

// runElder wires the three metadata databases into a BlobRegister, joins
// the membership topic so holder departures trigger duplication, and blocks
// until ctx is cancelled.
func runElder(ctx context.Context, log *logrus.Logger, cfg *config.Config, node *routing.NodeHandle, reg *metrics.Registry) {
	chunkDB, err := kvstore.Open(cfg.Storage.ImmutableDataPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open immutable_data.db")
	}
	defer chunkDB.Close()

	holderDB, err := kvstore.Open(cfg.Storage.HolderDataPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open holder_data.db")
	}
	defer holderDB.Close()

	fullDB, err := kvstore.Open(cfg.Storage.FullAdultsPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open full_adults.db")
	}
	defer fullDB.Close()

	register := metadata.New(log, node, reg, chunkDB, holderDB, fullDB)

	eng := engine.New(log, node, elderLocalState(node), register, nil)
	if cfg.Network.DataTopic != "" {
		if err := eng.Join(cfg.Network.DataTopic); err != nil {
			log.WithError(err).Warn("failed to join data topic")
		}
	}

	if cfg.Network.MembershipTopic != "" {
		err := node.JoinMembershipTopic(cfg.Network.MembershipTopic, func(departed xaddr.Address) {
			cmds, err := register.DuplicateChunks(departed)
			if err != nil {
				log.WithError(err).WithField("node", departed.Hex()).Warn("failed to process holder departure")
				return
			}
			for _, c := range cmds {
				log.WithFields(logrus.Fields{
					"address":    c.Address.Hex(),
					"new_holder": c.NewHolder.Hex(),
					"message_id": c.MessageID.Hex(),
				}).Info("emitting duplication command")
				eng.RequestReplication(c)
			}
		})
		if err != nil {
			log.WithError(err).Warn("failed to join membership topic")
		}
	}

	log.WithField("role", "elder").Info("vaultnode serving")
	<-ctx.Done()
	log.Info("shutting down")
}

// runAdult wires the chunk store and blocks until ctx is cancelled.
func runAdult(ctx context.Context, log *logrus.Logger, cfg *config.Config, node *routing.NodeHandle, reg *metrics.Registry) {
	db, err := kvstore.Open(cfg.Storage.ChunkStorePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open chunk store")
	}
	defer db.Close()

	store := chunkstore.NewStore(log, db, cfg.Storage.QuotaBytes, node.Self(), reg)

	eng := engine.New(log, node, adultLocalState(node), nil, store)
	if cfg.Network.DataTopic != "" {
		if err := eng.Join(cfg.Network.DataTopic); err != nil {
			log.WithError(err).Warn("failed to join data topic")
		}
	}

	if cfg.HTTP.Enabled {
		srv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: httpapi.NewServer(log, store)}
		go func() {
			log.WithField("addr", cfg.HTTP.ListenAddr).Info("serving blob HTTP gateway")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("blob HTTP gateway stopped")
			}
		}()
		defer srv.Close()
	}

	log.WithField("role", "adult").Info("vaultnode serving")
	<-ctx.Done()
	log.Info("shutting down")
}

func chunkCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chunk", Short: "inspect or mutate a local chunk store"}
	cmd.AddCommand(chunkGetCmd(), chunkPutCmd(), chunkDeleteCmd())
	return cmd
}

func openLocalChunkStore() (*chunkstore.Store, *kvstore.DB, *logrus.Logger) {
	cfg := &cmdconfig.AppConfig
	log := newLogger(cfg)
	db, err := kvstore.Open(cfg.Storage.ChunkStorePath)
	if err != nil {
		panic(err)
	}
	return chunkstore.NewStore(log, db, cfg.Storage.QuotaBytes, xaddr.Address{}, nil), db, log
}

func chunkGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [address-hex]",
		Short: "fetch a chunk by address from the local store",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr, err := xaddr.ParseHex(args[0])
			if err != nil {
				panic(err)
			}
			store, db, _ := openLocalChunkStore()
			defer db.Close()
			dir, err := store.Get(addr, xaddr.Address{}, model.OwnerKey{})
			if err != nil {
				panic(err)
			}
			if blob, ok := dir.Payload.(model.Blob); ok {
				os.Stdout.Write(blob.Content)
				return
			}
			fmt.Fprintln(os.Stderr, dir.Payload)
			os.Exit(1)
		},
	}
	return cmd
}

func chunkPutCmd() *cobra.Command {
	var file string
	var private bool
	cmd := &cobra.Command{
		Use:   "put",
		Short: "store a Public blob from a file into the local store",
		Run: func(cmd *cobra.Command, args []string) {
			if file == "" {
				panic("--file is required")
			}
			content, err := os.ReadFile(file)
			if err != nil {
				panic(err)
			}
			variant := xaddr.VariantPublic
			if private {
				variant = xaddr.VariantPrivate
			}
			blob := model.Blob{Content: content, Variant: variant}
			store, db, _ := openLocalChunkStore()
			defer db.Close()
			dir, err := store.Store(blob, xaddr.Address{}, model.OwnerKey{})
			if err != nil {
				panic(err)
			}
			if dir.IsNoOp() {
				fmt.Println(blob.Address().Hex())
				return
			}
			fmt.Fprintln(os.Stderr, dir.Payload)
			os.Exit(1)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to file contents to store")
	cmd.Flags().BoolVar(&private, "private", false, "store as a Private blob; this command sets no owner key, so the store rejects the write with InvalidOwners")
	return cmd
}

func chunkDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [address-hex]",
		Short: "delete a Private chunk from the local store",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr, err := xaddr.ParseHex(args[0])
			if err != nil {
				panic(err)
			}
			store, db, _ := openLocalChunkStore()
			defer db.Close()
			dir, err := store.Delete(addr, xaddr.Address{}, model.OwnerKey{})
			if err != nil {
				panic(err)
			}
			if !dir.IsNoOp() {
				fmt.Fprintln(os.Stderr, dir.Payload)
				os.Exit(1)
			}
		},
	}
	return cmd
}

// clientCmd submits blob requests onto the data topic as a one-shot
// publisher, joining no topic of its own: it opens a transient libp2p host
// purely to gossip the request onto the section, the same way a real client
// would reach an Elder without first needing a standing NodeHandle of its
// own (spec §6's upward client/peer blob protocol).
func clientCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "client", Short: "submit a blob request onto the network data topic"}
	cmd.AddCommand(clientWriteCmd(), clientGetCmd(), clientDeleteCmd())
	return cmd
}

func dialTransientNode(cfg *config.Config, log *logrus.Logger) (*routing.NodeHandle, error) {
	self := xaddr.Derive([]byte(fmt.Sprintf("client-%d", os.Getpid())), xaddr.VariantPublic)
	return routing.NewNodeHandle(log, "/ip4/0.0.0.0/tcp/0", self, prefixMatcher(cfg.Role.SectionPrefix))
}

func clientWriteCmd() *cobra.Command {
	var file string
	var private bool
	cmd := &cobra.Command{
		Use:   "write",
		Short: "publish a write request for a blob onto the section",
		Run: func(cmd *cobra.Command, args []string) {
			if file == "" {
				panic("--file is required")
			}
			content, err := os.ReadFile(file)
			if err != nil {
				panic(err)
			}
			variant := xaddr.VariantPublic
			if private {
				variant = xaddr.VariantPrivate
			}
			blob := model.Blob{Content: content, Variant: variant}

			cfg := &cmdconfig.AppConfig
			log := newLogger(cfg)
			node, err := dialTransientNode(cfg, log)
			if err != nil {
				panic(err)
			}
			defer node.Close()

			prefix, _ := xaddr.ParseHex(cfg.Role.SectionPrefix)
			msgID := xaddr.Derive(blob.Content, xaddr.VariantPublic)
			if err := engine.Publish(node, cfg.Network.DataTopic, engine.WriteRequest(msgID, prefix, blob)); err != nil {
				panic(err)
			}
			fmt.Println(blob.Address().Hex())
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to file contents to store")
	cmd.Flags().BoolVar(&private, "private", false, "publish as a Private blob; no owner key is set, so receiving Adults reject the write with InvalidOwners")
	return cmd
}

func clientGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [address-hex]",
		Short: "publish a get request for a blob onto the section",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr, err := xaddr.ParseHex(args[0])
			if err != nil {
				panic(err)
			}
			cfg := &cmdconfig.AppConfig
			log := newLogger(cfg)
			node, err := dialTransientNode(cfg, log)
			if err != nil {
				panic(err)
			}
			defer node.Close()

			prefix, _ := xaddr.ParseHex(cfg.Role.SectionPrefix)
			msgID := xaddr.Derive(addr[:], xaddr.VariantPublic)
			if err := engine.Publish(node, cfg.Network.DataTopic, engine.GetRequest(msgID, prefix, addr, model.OwnerKey{})); err != nil {
				panic(err)
			}
		},
	}
	return cmd
}

func clientDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [address-hex]",
		Short: "publish a delete request for a private blob onto the section",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr, err := xaddr.ParseHex(args[0])
			if err != nil {
				panic(err)
			}
			cfg := &cmdconfig.AppConfig
			log := newLogger(cfg)
			node, err := dialTransientNode(cfg, log)
			if err != nil {
				panic(err)
			}
			defer node.Close()

			prefix, _ := xaddr.ParseHex(cfg.Role.SectionPrefix)
			msgID := xaddr.Derive(addr[:], xaddr.VariantPublic)
			if err := engine.Publish(node, cfg.Network.DataTopic, engine.DeleteRequest(msgID, prefix, addr, model.OwnerKey{})); err != nil {
				panic(err)
			}
		},
	}
	return cmd
}

func metadataCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "metadata", Short: "inspect Elder metadata state"}
	cmd.AddCommand(metadataInspectCmd())
	return cmd
}

func metadataInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [address-hex]",
		Short: "print the ChunkMetadata recorded for an address",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr, err := xaddr.ParseHex(args[0])
			if err != nil {
				panic(err)
			}
			cfg := &cmdconfig.AppConfig
			db, err := kvstore.Open(cfg.Storage.ImmutableDataPath)
			if err != nil {
				panic(err)
			}
			defer db.Close()

			meta, ok, err := metadata.Inspect(db, addr)
			if err != nil {
				panic(err)
			}
			if !ok {
				fmt.Println("no metadata for address")
				return
			}
			fmt.Printf("holders: %v\nowner: %s\n", meta.Holders.Slice(), meta.Owner.Hex())
		},
	}
	return cmd
}
