package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"gavel/adapters/sse"
	"gavel/adapters/store"
	"gavel/adapters/stream"
	"gavel/bidding"
	"gavel/models"
	"gavel/settlement"
)

type ServerImpl struct {
	db          *gorm.DB
	redisClient *redis.Client
	store       *store.AuctionStore
	engine      *bidding.Engine
	publisher   *stream.Publisher
	listener    *stream.Listener
	hub         *sse.Hub
	sweeper     *settlement.Sweeper
	htmlChecker *bluemonday.Policy

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Product{}, &models.Bid{}); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化事件發布與訂閱
	publisher, err := stream.NewPublisher(redisClient, config.Redis.StreamKeys.Bid)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event publisher, err=%w", op, err)
	}
	listener, err := stream.NewListener(redisClient, config.Redis.StreamKeys.Bid)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event listener, err=%w", op, err)
	}
	hub := sse.NewHub(
		sse.WithHubLogger(slog.Default()),
		sse.WithHubSubscriber(listener),
	)

	// 初始化拍賣儲存層與出價引擎
	auctionStore, err := store.NewAuctionStore(db, store.WithAuctionStoreLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create auction store, err=%w", op, err)
	}
	engine, err := bidding.NewEngine(auctionStore,
		bidding.WithEngineLogger(slog.Default()),
		bidding.WithEnginePublisher(publisher),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid engine, err=%w", op, err)
	}

	// 初始化結算掃描器
	sweeperOpts := []settlement.SweeperOption{
		settlement.WithSweeperLogger(slog.Default()),
		settlement.WithSweeperPublisher(publisher),
	}
	if config.Sweep.Interval > 0 {
		sweeperOpts = append(sweeperOpts, settlement.WithSweeperInterval(config.Sweep.Interval))
	}
	sweeper, err := settlement.NewSweeper(auctionStore, sweeperOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement sweeper, err=%w", op, err)
	}

	return &ServerImpl{
		db:          db,
		redisClient: redisClient,
		store:       auctionStore,
		engine:      engine,
		publisher:   publisher,
		listener:    listener,
		hub:         hub,
		sweeper:     sweeper,
		htmlChecker: bluemonday.UGCPolicy(),
		config:      config,
	}, nil
}

func (impl *ServerImpl) Start() {
	// 啟動事件發布者
	impl.publisher.Start()
	// 啟動事件訂閱者與SSE分流
	impl.listener.Start()
	impl.hub.Start()
	// 啟動結算掃描器
	impl.sweeper.Start()
}

func (impl *ServerImpl) Close() {
	// 關閉結算掃描器
	impl.sweeper.Close()
	// 關閉SSE分流與事件訂閱者
	impl.hub.Done()
	impl.listener.Close()
	// 關閉事件發布者
	impl.publisher.Close()
}

func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/products", impl.ListProducts)
	router.GET("/api/product/:productID", impl.GetProduct)
	router.GET("/api/product/:productID/events", impl.StreamProductEvents)

	authed := router.Group("/api", impl.AuthRequired())
	authed.POST("/product/:productID/bids", impl.PlaceBid)

	admin := router.Group("/api/admin", impl.AuthRequired(), impl.AdminRequired())
	admin.POST("/product", impl.CreateProduct)
	admin.PUT("/product/:productID", impl.UpdateProduct)
	admin.DELETE("/product/:productID", impl.DeleteProduct)
}

const claimsKey = "claims"

// AuthRequired 驗證請求攜帶的存取憑證，
// 憑證可放在cookie或Authorization標頭中
func (impl *ServerImpl) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := c.Cookie("access_token")
		if err != nil {
			header := c.GetHeader("Authorization")
			tokenString = strings.TrimPrefix(header, "Bearer ")
		}
		if tokenString == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, err := ParseAndValidateToken(tokenString, []byte(impl.config.Auth.Secret), impl.config.Auth.Issuer, impl.config.Auth.Audience)
		if err != nil {
			slog.Error("Fail to parse and validate token", slog.Any("error", err))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if _, err := uuid.Parse(claims.Subject); err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func (impl *ServerImpl) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := c.MustGet(claimsKey).(*Claims)
		if !claims.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "admin only"})
			return
		}
		c.Next()
	}
}

type PlaceBidRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

type BidResponse struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"productID"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Place a bid on a product
// (POST /api/product/{productID}/bids)
func (impl *ServerImpl) PlaceBid(c *gin.Context) {
	claims := c.MustGet(claimsKey).(*Claims)
	productID, err := uuid.Parse(c.Param("productID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid product id"})
		return
	}
	var request PlaceBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	// 確保出價者在資料庫中有對應的使用者紀錄
	bidderID := uuid.MustParse(claims.Subject)
	user := models.User{ID: bidderID, Username: claims.Username, IsAdmin: claims.Admin}
	if result := impl.db.Where(models.User{ID: bidderID}).FirstOrCreate(&user); result.Error != nil {
		slog.Error("Fail to ensure bidder", slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	bid, err := impl.engine.PlaceBid(c.Request.Context(), productID, bidderID, request.Amount)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, BidResponse{
			ID:        bid.ID,
			ProductID: bid.ProductID,
			Amount:    bid.Amount,
			CreatedAt: bid.CreatedAt,
		})
	case errors.Is(err, bidding.ErrInvalidBid):
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid bid"})
	case errors.Is(err, store.ErrNotFound):
		c.Status(http.StatusNotFound)
	case errors.Is(err, store.ErrBidTooLow):
		c.JSON(http.StatusBadRequest, gin.H{"message": "bid is not higher than the current price"})
	case errors.Is(err, store.ErrAuctionExpired):
		c.JSON(http.StatusGone, gin.H{"message": "auction has ended"})
	case errors.Is(err, store.ErrAuctionClosed):
		c.JSON(http.StatusConflict, gin.H{"message": "auction is settled"})
	default:
		slog.Error("Fail to place bid", slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

type ProductSummary struct {
	ID           uuid.UUID       `json:"id"`
	Title        string          `json:"title"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	AuctionEnd   *time.Time      `json:"auctionEnd"`
	IsEnded      bool            `json:"isEnded"`
	IsSettled    bool            `json:"isSettled"`
}

// List products
// (GET /api/products)
func (impl *ServerImpl) ListProducts(c *gin.Context) {
	const op = "ListProducts"
	now := time.Now()

	query := impl.db.Model(&models.Product{}).Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "created_at"}, Desc: true},
		{Column: clause.Column{Name: "id"}, Desc: false},
	}})
	if c.Query("excludeEnded") == "true" {
		query = query.Where("auction_end IS NULL OR auction_end > ?", now)
	}

	var products []models.Product
	if result := query.Find(&products); result.Error != nil {
		slog.Error("Fail to list products", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	output := lo.Map(products, func(product models.Product, _ int) ProductSummary {
		return ProductSummary{
			ID:           product.ID,
			Title:        product.Title,
			CurrentPrice: product.CurrentPrice,
			AuctionEnd:   product.AuctionEnd,
			IsEnded:      product.Ended(now),
			IsSettled:    product.Settled(),
		}
	})
	c.JSON(http.StatusOK, gin.H{"count": len(output), "products": output})
}

type BidRecord struct {
	Amount decimal.Decimal `json:"amount"`
	Bidder string          `json:"bidder"`
	Time   time.Time       `json:"time"`
}

type ProductDetail struct {
	ID            uuid.UUID       `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	AuctionEnd    *time.Time      `json:"auctionEnd"`
	IsSettled     bool            `json:"isSettled"`
	WinnerID      *uuid.UUID      `json:"winnerID,omitempty"`
	BidRecords    []BidRecord     `json:"bidRecords"`
}

// Get product details
// (GET /api/product/{productID})
func (impl *ServerImpl) GetProduct(c *gin.Context) {
	const op = "GetProduct"
	productID, err := uuid.Parse(c.Param("productID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid product id"})
		return
	}

	var product models.Product
	result := impl.db.
		Preload("BidRecords", func(db *gorm.DB) *gorm.DB {
			return db.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
				{Column: clause.Column{Name: "amount"}, Desc: true},
				{Column: clause.Column{Name: "created_at"}, Desc: true},
			}})
		}).
		Preload("BidRecords.Bidder").
		First(&product, "id = ?", productID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find product", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	records := lo.Map(product.BidRecords, func(bid models.Bid, _ int) BidRecord {
		return BidRecord{
			Amount: bid.Amount,
			Bidder: bid.Bidder.Username,
			Time:   bid.CreatedAt,
		}
	})
	detail := ProductDetail{
		ID:            product.ID,
		Title:         product.Title,
		Description:   product.Description,
		StartingPrice: product.StartingPrice,
		CurrentPrice:  product.CurrentPrice,
		AuctionEnd:    product.AuctionEnd,
		IsSettled:     product.Settled(),
		BidRecords:    records,
	}
	// 無人出價的流標商品不揭露空白得標者
	if product.Settled() && *product.WinnerID != models.NoWinner {
		detail.WinnerID = product.WinnerID
	}
	c.JSON(http.StatusOK, detail)
}

type UpsertProductRequest struct {
	Title         string           `json:"title"`
	Description   *string          `json:"description"`
	StartingPrice *decimal.Decimal `json:"startingPrice"`
	AuctionEnd    *time.Time       `json:"auctionEnd"`
}

// Add a new product
// (POST /api/admin/product)
func (impl *ServerImpl) CreateProduct(c *gin.Context) {
	const op = "CreateProduct"
	var request UpsertProductRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}
	if strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "title is required"})
		return
	}
	// 檢查拍賣結束時間是否合法
	if request.AuctionEnd != nil && request.AuctionEnd.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid auction end time"})
		return
	}
	// 處理商品描述
	if request.Description != nil {
		request.Description = lo.ToPtr(impl.htmlChecker.Sanitize(*request.Description))
	}
	// 處理預設值
	if request.Description == nil {
		request.Description = lo.ToPtr("")
	}
	if request.StartingPrice == nil {
		request.StartingPrice = lo.ToPtr(decimal.Zero)
	}
	if request.StartingPrice.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid starting price"})
		return
	}

	// 儲存商品，目前價格從起標價開始
	product := models.Product{
		Title:         request.Title,
		Description:   *request.Description,
		StartingPrice: *request.StartingPrice,
		CurrentPrice:  *request.StartingPrice,
		AuctionEnd:    request.AuctionEnd,
	}
	if result := impl.db.Create(&product); result.Error != nil {
		slog.Error("Fail to create product", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Header("Location", product.ID.String())
	c.Status(http.StatusCreated)
}

// Update product information
// (PUT /api/admin/product/{productID})
func (impl *ServerImpl) UpdateProduct(c *gin.Context) {
	const op = "UpdateProduct"
	productID, err := uuid.Parse(c.Param("productID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid product id"})
		return
	}
	var request UpsertProductRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	var product models.Product
	if result := impl.db.First(&product, "id = ?", productID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find product", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// 只更新商品描述性欄位，
	// 目前價格與得標者由出價和結算流程維護
	updates := map[string]any{}
	if strings.TrimSpace(request.Title) != "" {
		updates["title"] = request.Title
	}
	if request.Description != nil {
		updates["description"] = impl.htmlChecker.Sanitize(*request.Description)
	}
	if request.StartingPrice != nil {
		if request.StartingPrice.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid starting price"})
			return
		}
		updates["starting_price"] = *request.StartingPrice
	}
	if request.AuctionEnd != nil {
		updates["auction_end"] = *request.AuctionEnd
	}
	if len(updates) == 0 {
		c.Status(http.StatusOK)
		return
	}
	if result := impl.db.Model(&product).Updates(updates); result.Error != nil {
		slog.Error("Fail to update product", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

// Delete a product
// (DELETE /api/admin/product/{productID})
func (impl *ServerImpl) DeleteProduct(c *gin.Context) {
	const op = "DeleteProduct"
	productID, err := uuid.Parse(c.Param("productID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid product id"})
		return
	}
	result := impl.db.Delete(&models.Product{}, "id = ?", productID)
	if result.Error != nil {
		slog.Error("Fail to delete product", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

// Track product auction events
// (GET /api/product/{productID}/events)
func (impl *ServerImpl) StreamProductEvents(c *gin.Context) {
	const op = "StreamProductEvents"
	productID, err := uuid.Parse(c.Param("productID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid product id"})
		return
	}
	// 先訂閱再檢查結算狀態，
	// 避免在檢查與訂閱之間送達的結算事件漏接
	ch, err := impl.hub.Subscribe(productID.String())
	if err != nil {
		slog.Error("Fail to subscribe to product events", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// 檢查商品是否存在且尚未結算
	product, err := impl.store.GetProduct(c.Request.Context(), productID)
	if err != nil {
		impl.hub.Unsubscribe(productID.String(), ch)
		if errors.Is(err, store.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find product", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if product.Settled() {
		impl.hub.Unsubscribe(productID.String(), ch)
		c.JSON(http.StatusGone, gin.H{"message": "auction is settled"})
		return
	}

	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
LOOP:
	for {
		select {
		case <-w.CloseNotify():
			impl.hub.Unsubscribe(productID.String(), ch)
			break LOOP
		case event := <-ch:
			c.SSEvent(string(event.Kind), event)
			w.Flush()
			// 拍賣結算後關閉串流
			if event.Kind == stream.EventClosed {
				impl.hub.Unsubscribe(productID.String(), ch)
				break LOOP
			}
		// 30秒沒有事件就發送一個空行，確保瀏覽器和代理不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}
