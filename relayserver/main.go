package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"letters-overlay/pkg/config"
	"letters-overlay/pkg/utils"
	"letters-overlay/relayserver/controllers"
	"letters-overlay/relayserver/routes"
	"letters-overlay/relayserver/services"
)

func main() {
	configDir := utils.EnvOrDefault("RELAY_CONFIG_DIR", ".")
	cfg, err := config.Load(configDir)
	if err != nil {
		logrus.WithError(err).Fatal("load relay config")
	}

	relayRoot := utils.EnvOrDefault("RELAY_ROOT", "./relay")
	svc, err := services.NewRelayService(logrus.StandardLogger(), relayRoot, cfg, configDir)
	if err != nil {
		logrus.WithError(err).Fatal("initialize relay service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	svc.Start(ctx)
	defer svc.Stop()

	ctrl := controllers.NewRelayController(svc)
	r := mux.NewRouter()
	routes.Register(r, ctrl)

	addr := ":" + utils.EnvOrDefault("RELAY_PORT", "8080")
	logrus.Infof("relay listening on %s", addr)
	server := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("relay server stopped")
	}
}
