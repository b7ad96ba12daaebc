package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/theritikchoure/logx"

	"github.com/Nikita-Ting/bfs/nameserver"
)

func main() {
	var (
		configPath string
		rpcAddr    string
		webAddr    string
		dbDir      string
		safemode   int
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "nameserver",
		Short: "BFS metadata master",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := nameserver.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = nameserver.LoadConfig(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("rpc-addr") {
				cfg.RPCAddr = rpcAddr
			}
			if cmd.Flags().Changed("web-addr") {
				cfg.WebAddr = webAddr
			}
			if cmd.Flags().Changed("db") {
				cfg.NamespaceDir = dbDir
			}
			if cmd.Flags().Changed("safemode") {
				cfg.SafemodeSecs = safemode
			}

			logger := logrus.New()
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			nameserver.SetLogger(logger)

			logx.Logf("BFS nameserver starting on %s", logx.FGBLUE, logx.BGWHITE, cfg.RPCAddr)

			server, err := nameserver.NewNameServer(cfg)
			if err != nil {
				return err
			}

			go func() {
				if err := http.ListenAndServe(cfg.WebAddr, server.WebHandler()); err != nil {
					logger.Warnf("web console: %v", err)
				}
			}()

			listener, err := net.Listen("tcp", cfg.RPCAddr)
			if err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info("shutting down")
				server.Shutdown()
			}()

			return server.Serve(listener)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "yaml config file")
	root.Flags().StringVar(&rpcAddr, "rpc-addr", "", "RPC listen address")
	root.Flags().StringVar(&webAddr, "web-addr", "", "web console listen address")
	root.Flags().StringVar(&dbDir, "db", "", "namespace database directory")
	root.Flags().IntVar(&safemode, "safemode", 0, "safemode window in seconds")
	root.Flags().StringVar(&logLevel, "log-level", "info", "logrus level")

	if err := root.Execute(); err != nil {
		logx.Logf("nameserver exited: %v", logx.FGRED, logx.BGWHITE, err)
		os.Exit(1)
	}
}
