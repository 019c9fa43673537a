package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/patch"
)

type Api struct {
	server  *http.Server
	sync    *docsync.Server
	version string
	host    string
}

type ApiOptions struct {
	Addr    string
	Server  *docsync.Server
	Version string
	Host    string
}

func (o *ApiOptions) AreValid() error {
	if o.Addr == "" {
		return fmt.Errorf("listen address is required")
	}
	if o.Server == nil {
		return fmt.Errorf("sync server is required")
	}
	return nil
}

func StartApi(o ApiOptions, errorCallback func(err error)) (*Api, error) {
	if err := o.AreValid(); err != nil {
		return nil, fmt.Errorf("invalid API options: %w", err)
	}

	api := newApi(o)

	// wrap Gin router in an HTTP server
	api.server = &http.Server{
		Addr:    o.Addr,
		Handler: api.Router(),
	}

	go func() {
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorCallback(err)
			return
		}
	}()

	return api, nil
}

func newApi(o ApiOptions) *Api {
	return &Api{
		sync:    o.Server,
		version: o.Version,
		host:    o.Host,
	}
}

func (a *Api) Router() *gin.Engine {
	router := gin.Default()
	router.GET("/status", func(c *gin.Context) { a.getStatus(c) })
	// full state, the same shape as the first websocket message
	router.GET("/state", func(c *gin.Context) { a.getState(c) })
	// a patch message applied as a local edit
	router.PATCH("/state", func(c *gin.Context) { a.patchState(c) })
	router.GET("/connections", func(c *gin.Context) { a.getConnections(c) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	// websocket upgrade
	router.GET("/sync", gin.WrapH(a.sync))
	return router
}

func (a *Api) StopApi() error {
	if a.server == nil {
		return nil
	}
	// try to shutdown the server gracefully (wait max 5 secs to finish pending requests)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.server = nil
	return nil
}

type StatusResult struct {
	Version     string `json:"version,omitempty"`
	Status      string `json:"status"`
	Host        string `json:"host,omitempty"`
	Connections int    `json:"connections"`
}

func (a *Api) getStatus(context *gin.Context) {
	status := "ok"
	select {
	case <-a.sync.Done():
		status = "closed"
	default:
	}
	context.JSON(http.StatusOK, &StatusResult{
		Version:     a.version,
		Status:      status,
		Host:        a.host,
		Connections: a.sync.ConnectionCount(),
	})
}

func (a *Api) getState(context *gin.Context) {
	dataBytes, err := docsync.EncodeDataMessage(a.sync.State())
	if err != nil {
		context.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	context.Data(http.StatusOK, "application/json", dataBytes)
}

func (a *Api) patchState(context *gin.Context) {
	messageBytes, err := io.ReadAll(context.Request.Body)
	if err != nil {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	message, err := docsync.DecodeMessage(messageBytes)
	if err != nil {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	if !message.HasPatch {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, docsync.ErrMissingPatch))
		return
	}

	err = a.sync.Patch(context.Request.Context(), message.Patch)
	switch {
	case err == nil:
	case errors.Is(err, patch.ErrApply):
		context.String(http.StatusConflict, fmt.Sprintf("%d Conflict - %v", http.StatusConflict, err))
		return
	case errors.Is(err, docsync.ErrClosed):
		context.String(http.StatusServiceUnavailable, fmt.Sprintf("%d Service Unavailable - %v", http.StatusServiceUnavailable, err))
		return
	default:
		context.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}

	a.getState(context)
}

type ConnectionsResult struct {
	Connections []docsync.Id `json:"connections"`
}

func (a *Api) getConnections(context *gin.Context) {
	connectionIds := a.sync.Connections()
	if connectionIds == nil {
		connectionIds = []docsync.Id{}
	}
	context.JSON(http.StatusOK, &ConnectionsResult{
		Connections: connectionIds,
	})
}
