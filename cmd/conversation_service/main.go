package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"live_conversation_service/internal/conversation/app"
	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/internal/conversation/repository"
	"live_conversation_service/internal/conversation/router"
	"live_conversation_service/pkg/config"
	"live_conversation_service/pkg/database"
	"live_conversation_service/pkg/logger"

	"github.com/gofiber/fiber/v2"
	fiber_log "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.ConversationService, config.EnvConfig.ConversationServiceLogPath)
	cfg := config.LoadConfig[config.Conversation](config.EnvConfig.ConversationService, config.EnvConfig.ConversationServiceYAMLPath)

	ctx := context.Background()

	// 1. Mongo (會話與訊息)
	uri := fmt.Sprintf("mongodb://%s:%s@%s:%d", cfg.MongoSQL.User, cfg.MongoSQL.Password, cfg.MongoSQL.Host, cfg.MongoSQL.Port)
	mongo, err := database.NewMongoDB(ctx,
		database.Connection{
			ConnectStr:    uri,
			RetryCount:    cfg.MongoSQL.RetryCount,
			RetryInterval: time.Duration(cfg.MongoSQL.RetryInterval),
		},
		cfg.MongoSQL.Database)
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to mongoDB database after retries",
			zap.String("address", fmt.Sprintf("[%s]", uri)),
			zap.Error(err),
		)
	}
	defer mongo.Close(ctx)

	if err := repository.EnsureConversationIndexes(ctx, mongo.Database); err != nil {
		logger.Log.Fatal(fmt.Sprintf("ensure mongo indexes err : %v", err))
	}

	// 2. Redis (跨節點 Pub/Sub 與 presence 狀態)
	masterName, sentinel := config.GetRedisSetting()
	redisClient, err := database.NewRedisClient(masterName, sentinel, cfg.Redis.RedisDB)
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect redis err : %v", err))
	}

	// 3. PostgreSQL：gorm 管 participant state，pgx 管 receipt 稽核
	pgConn := database.Connection{
		ConnectStr: fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
			cfg.PostgreSQL.User, cfg.PostgreSQL.Password,
			cfg.PostgreSQL.Host, cfg.PostgreSQL.Port, cfg.PostgreSQL.Database),
		RetryCount:    cfg.PostgreSQL.RetryCount,
		RetryInterval: time.Duration(cfg.PostgreSQL.RetryInterval),
	}
	gormDB, err := database.NewGormConnection(pgConn)
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect postgres (gorm) err : %v", err))
	}
	pgPool, err := database.NewDatabaseConnection(pgConn)
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect postgres (pgx) err : %v", err))
	}
	defer pgPool.Close()

	// 4. Kafka (事件鏡射) 與 RabbitMQ (離線推播佇列)
	kafkaWriter, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		RetryCount:    cfg.Kafka.RetryCount,
		RetryInterval: time.Duration(cfg.Kafka.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect kafka err : %v", err))
	}
	defer kafkaWriter.Close()

	rabbitConn, err := database.ConnectRabbitMQWithRetry(database.Connection{
		ConnectStr:    cfg.RabbitMQ.URL,
		RetryCount:    cfg.RabbitMQ.RetryCount,
		RetryInterval: time.Duration(cfg.RabbitMQ.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect rabbitmq err : %v", err))
	}
	defer rabbitConn.Close()
	rabbitCh, err := database.GetRabbitMQChannelWithRetry(rabbitConn, cfg.RabbitMQ.RetryCount, time.Duration(cfg.RabbitMQ.RetryInterval))
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("rabbitmq channel err : %v", err))
	}

	// 5. 初始化 Repository
	convRepo := repository.NewMongoConversationRepository(mongo.Database)
	msgRepo := repository.NewMongoMessageRepository(mongo.Database)
	stateRepo := repository.NewParticipantStateRepository(gormDB)
	if err := stateRepo.AutoMigrate(); err != nil {
		logger.Log.Fatal(fmt.Sprintf("participant state migrate err : %v", err))
	}
	if err := repository.EnsureReceiptSchema(ctx, pgPool); err != nil {
		logger.Log.Fatal(fmt.Sprintf("ensure receipt schema err : %v", err))
	}
	receiptRepo := repository.NewReceiptRepository(pgPool)
	pubsub := repository.NewRedisPubSub(redisClient)
	stream := repository.NewKafkaEventStream(kafkaWriter)
	pushQueue, err := repository.NewRabbitPushQueue(database.NewRabbitRepository(rabbitCh), cfg.RabbitMQ.Queue)
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("declare push queue err : %v", err))
	}

	// 6. Presence + Router + UseCases
	statusRepo := database.NewRedisRepository[domain.PresenceStatus](redisClient)
	presence := app.NewPresenceTracker(statusRepo, cfg.PresenceTTL, cfg.SessionBuffer)
	eventRouter := app.NewEventRouter(presence, pubsub, stream, uuid.New().String())
	presence.SetHooks(app.PresenceHooks{
		OnRoomActive: func(roomID string) {
			eventRouter.RoomActive(domain.NamespaceMessaging, roomID)
		},
		OnRoomIdle: func(roomID string) {
			eventRouter.RoomIdle(domain.NamespaceMessaging, roomID)
		},
		OnUserOnline: func(userID string) {
			// 個人通知房間跟著上線
			eventRouter.RoomActive(domain.NamespaceNotifications, userID)
			eventRouter.EmitPresenceChange(userID, "online", presence.RoomsOf(userID))
		},
		OnUserOffline: func(userID string, rooms []string) {
			eventRouter.RoomIdle(domain.NamespaceNotifications, userID)
			eventRouter.EmitPresenceChange(userID, "offline", rooms)
		},
	})
	typing := app.NewTypingTracker(eventRouter, cfg.TypingTTL)

	convUC := app.NewConversationUseCase(convRepo, stateRepo)
	deliveryUC := app.NewDeliveryUseCase(convRepo, msgRepo, stateRepo, receiptRepo, presence, eventRouter, pushQueue)

	// 7. 啟動 Fiber
	r := fiber.New()
	file, err := os.OpenFile(fmt.Sprintf("%s/access.log", config.EnvConfig.ConversationServiceLogPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	r.Use(fiber_log.New(fiber_log.Config{
		Output: file,
	}))

	router.RegisterRoutes(r,
		app.NewConversationWebsocketHandler(convUC, deliveryUC, presence, typing),
		app.NewConversationHTTPHandler(convUC, deliveryUC),
	)

	port := ":" + cfg.Port
	log.Printf("Conversation Service listening on %s", port)
	if err := r.Listen(port); err != nil {
		log.Fatalf("Failed to start Fiber: %v", err)
	}
}
