package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/inventory_backend/config"
	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/mmdatafocus/inventory_backend/utils"
	"github.com/mmdatafocus/inventory_backend/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the startup probe passes. Until DB/Redis
	// are ready, app endpoints return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	// Require an explicit allowlist in production; allow all elsewhere.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Business-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api", tenantMiddleware())
	{
		api.POST("/items", createItemHandler)
		api.POST("/locations", createLocationHandler)
		api.POST("/locations/:id/reparent", reparentLocationHandler)
		api.GET("/locations/:id/warehouse", resolveWarehouseHandler)
		api.PUT("/warehouses/:id/defaults/:role", setWarehouseDefaultHandler)
		api.GET("/warehouses/:id/defaults/:role", getWarehouseDefaultHandler)

		api.POST("/movements", postMovementHandler)
		api.POST("/movements/:id/reverse", reverseMovementHandler)
		api.POST("/production", postProductionHandler)

		api.POST("/reservations", reserveHandler)
		api.POST("/reservations/:id/allocate", allocateReservationHandler)
		api.POST("/reservations/:id/fulfill", fulfillReservationHandler)
		api.POST("/reservations/:id/cancel", cancelReservationHandler)

		api.POST("/cost-layers", createCostLayerHandler)
		api.POST("/cost-layers/consume", consumeCostLayersHandler)

		api.GET("/availability", availabilityHandler)
		api.GET("/availability/on-hand", onHandHandler)
	}
	// Ops tooling (admin only): force one sweep, replay dead outbox rows.
	r.POST("/internal/ops/reservations/expire-due", expireDueHandler)
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler)

	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Background workers: outbox dispatcher and reservation expiry sweep.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)
	go workflow.RunExpirySweeper(workerCtx, sweepInterval())

	// Posting relies on READ COMMITTED row locking semantics.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("inventory engine listening on port ", port)

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers before draining so they don't start new work.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func sweepInterval() time.Duration {
	if v := strings.TrimSpace(os.Getenv("EXPIRY_SWEEP_INTERVAL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Minute
}

// tenantMiddleware resolves the caller's tenant. The API trusts the gateway
// in front of it to have authenticated the header.
func tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.GetHeader("X-Business-Id"))
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"category": utils.CategoryValidation, "message": "X-Business-Id header is required"},
			})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if user := strings.TrimSpace(c.GetHeader("X-User-Name")); user != "" {
			ctx = utils.SetUserNameInContext(ctx, user)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// respondError maps the error taxonomy onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch utils.CategoryOf(err) {
	case utils.CategoryValidation:
		status = http.StatusBadRequest
	case utils.CategoryNotFound:
		status = http.StatusNotFound
	case utils.CategoryConflict:
		status = http.StatusConflict
	case utils.CategoryInvariantViolation:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"category": utils.CategoryOf(err),
			"code":     utils.CodeOf(err),
			"message":  err.Error(),
		},
	})
}

func createItemHandler(c *gin.Context) {
	var input models.NewItem
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	item, err := models.CreateItem(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func createLocationHandler(c *gin.Context) {
	var input models.NewLocation
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	location, err := models.CreateLocation(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, location)
}

func reparentLocationHandler(c *gin.Context) {
	locationId, err := pathInt(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var body struct {
		NewParentId int `json:"new_parent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	location, err := workflow.ReparentLocation(c.Request.Context(), locationId, body.NewParentId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, location)
}

func resolveWarehouseHandler(c *gin.Context) {
	locationId, err := pathInt(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	warehouseId, err := models.ResolveWarehouse(c.Request.Context(), locationId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"location_id": locationId, "warehouse_id": warehouseId})
}

func setWarehouseDefaultHandler(c *gin.Context) {
	warehouseId, err := pathInt(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	role := models.LocationRole(strings.ToUpper(c.Param("role")))
	var body struct {
		LocationId int `json:"location_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	mapping, err := models.SetWarehouseDefaultLocation(c.Request.Context(), warehouseId, role, body.LocationId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapping)
}

func getWarehouseDefaultHandler(c *gin.Context) {
	warehouseId, err := pathInt(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	role := models.LocationRole(strings.ToUpper(c.Param("role")))
	mapping, err := models.GetWarehouseDefaultLocation(c.Request.Context(), warehouseId, role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapping)
}

func postMovementHandler(c *gin.Context) {
	var input workflow.PostMovementInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	movement, err := workflow.PostMovement(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movement)
}

func reverseMovementHandler(c *gin.Context) {
	var body struct {
		Memo string `json:"memo"`
	}
	_ = c.ShouldBindJSON(&body)
	reversal, err := workflow.ReverseMovement(c.Request.Context(), c.Param("id"), body.Memo)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reversal)
}

func postProductionHandler(c *gin.Context) {
	var input workflow.PostProductionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	movement, err := workflow.PostProduction(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movement)
}

func reserveHandler(c *gin.Context) {
	var input workflow.ReserveInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	reservation, err := workflow.Reserve(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reservation)
}

func allocateReservationHandler(c *gin.Context) {
	reservationId, err := pathInt(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	reservation, err := workflow.AllocateReservation(c.Request.Context(), reservationId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservation)
}

func fulfillReservationHandler(c *gin.Context) {
	reservationId, err := pathInt(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var body struct {
		Quantity decimal.Decimal `json:"quantity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	reservation, err := workflow.FulfillReservation(c.Request.Context(), reservationId, body.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservation)
}

func cancelReservationHandler(c *gin.Context) {
	reservationId, err := pathInt(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "cancelled"
	}
	reservation, err := workflow.CancelReservation(c.Request.Context(), reservationId, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservation)
}

func createCostLayerHandler(c *gin.Context) {
	var input workflow.RecordCostLayerInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	layer, err := workflow.RecordCostLayer(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, layer)
}

func consumeCostLayersHandler(c *gin.Context) {
	var input workflow.DrawCostLayersInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, utils.BindingError(err))
		return
	}
	consumptions, err := workflow.DrawCostLayers(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consumptions": consumptions})
}

func availabilityHandler(c *gin.Context) {
	warehouseId, itemId, uom, locationId, err := availabilityQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	availability, err := models.GetAvailability(c.Request.Context(), warehouseId, itemId, uom, locationId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, availability)
}

func onHandHandler(c *gin.Context) {
	warehouseId, itemId, uom, locationId, err := availabilityQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	onHand, err := models.GetOnHand(c.Request.Context(), warehouseId, itemId, uom, locationId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"on_hand": onHand})
}

func expireDueHandler(c *gin.Context) {
	expired, err := workflow.ExpireDueReservations(c.Request.Context(), time.Now().UTC())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": expired})
}

// outboxReplayHandler requeues DEAD outbox rows so the dispatcher retries
// them. Same operation as cmd/outbox-dead-revert, exposed for operators.
func outboxReplayHandler(c *gin.Context) {
	var body struct {
		BusinessId string `json:"business_id"`
		EventIds   []int  `json:"event_ids"`
	}
	_ = c.ShouldBindJSON(&body)

	db := config.GetDB()
	query := db.WithContext(c.Request.Context()).
		Model(&models.OutboxEvent{}).
		Where("status = ?", models.OutboxStatusDead)
	if body.BusinessId != "" {
		query = query.Where("business_id = ?", body.BusinessId)
	}
	if len(body.EventIds) > 0 {
		query = query.Where("id IN ?", body.EventIds)
	}
	result := query.Updates(map[string]interface{}{
		"status":          models.OutboxStatusPending,
		"attempts":        0,
		"next_attempt_at": nil,
		"last_error":      nil,
		"locked_at":       nil,
		"locked_by":       nil,
	})
	if result.Error != nil {
		respondError(c, result.Error)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": result.RowsAffected})
}

func availabilityQuery(c *gin.Context) (warehouseId, itemId int, uom string, locationId *int, err error) {
	warehouseId, err = queryInt(c, "warehouse_id")
	if err != nil {
		return 0, 0, "", nil, err
	}
	itemId, err = queryInt(c, "item_id")
	if err != nil {
		return 0, 0, "", nil, err
	}
	uom = strings.TrimSpace(c.Query("uom"))
	if uom == "" {
		return 0, 0, "", nil, utils.NewValidationError("uom query parameter is required")
	}
	if v := strings.TrimSpace(c.Query("location_id")); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			return 0, 0, "", nil, utils.NewValidationError("location_id must be an integer")
		}
		locationId = &n
	}
	return warehouseId, itemId, uom, locationId, nil
}

func pathInt(c *gin.Context, name string) (int, error) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, utils.NewValidationError("%s must be an integer", name)
	}
	return n, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(c.Query(name)))
	if err != nil {
		return 0, utils.NewValidationError("%s query parameter must be an integer", name)
	}
	return n, nil
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error": gin.H{"category": utils.CategoryNotFound, "message": "route not found"},
	})
}

// customErrorLogger logs only requests that accumulated errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
