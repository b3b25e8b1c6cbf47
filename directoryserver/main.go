package main

import (
	"context"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"letters-overlay/core"
	"letters-overlay/directoryserver/controllers"
	"letters-overlay/directoryserver/routes"
	"letters-overlay/directoryserver/services"
	"letters-overlay/pkg/utils"
)

func main() {
	root := utils.EnvOrDefault("DIRECTORY_ROOT", "./directory")
	statePath := filepath.Join(root, "directory-state.json")

	svc, err := services.NewDirectoryService(logrus.StandardLogger(), statePath)
	if err != nil {
		logrus.WithError(err).Fatal("initialize directory service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	intervals := core.LoadIntervals()
	svc.StartReachabilityProbe(ctx, intervals.DirectoryMetricsPoll, intervals.DirectoryMetricsTimeout)

	ctrl := controllers.NewDirectoryController(svc)
	r := mux.NewRouter()
	routes.Register(r, ctrl)

	addr := ":" + utils.EnvOrDefault("DIRECTORY_PORT", "8090")
	logrus.Infof("directory listening on %s", addr)
	server := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("directory server stopped")
	}
}
