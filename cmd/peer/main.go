package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jamsync/server/internal/identity"
	"github.com/jamsync/server/internal/presence"
	"github.com/jamsync/server/internal/repository/room/redis"
	roomservice "github.com/jamsync/server/internal/service/room"
	"github.com/jamsync/server/internal/session"
	"github.com/jamsync/server/internal/signaling"
	"github.com/jamsync/server/internal/transport/webrtc"
	"github.com/jamsync/server/pkg/ctxlogger"
	"github.com/jamsync/server/pkg/randstr"
	"github.com/jamsync/server/pkg/redisclient"
)

const roomIdAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	relayURL = configVar[string]{
		envKey:       "PEER_RELAY_URL",
		flagKey:      "relay-url",
		defaultValue: "ws://localhost:8080",
	}
	roomId = configVar[string]{
		envKey:       "PEER_ROOM_ID",
		flagKey:      "room",
		defaultValue: "",
	}
	createRoom = configVar[bool]{
		envKey:       "PEER_CREATE_ROOM",
		flagKey:      "create-room",
		defaultValue: false,
	}
	roomName = configVar[string]{
		envKey:       "PEER_ROOM_NAME",
		flagKey:      "room-name",
		defaultValue: "jam",
	}
	maxParticipants = configVar[int]{
		envKey:       "PEER_MAX_PARTICIPANTS",
		flagKey:      "max-participants",
		defaultValue: 8,
	}
	displayName = configVar[string]{
		envKey:       "PEER_DISPLAY_NAME",
		flagKey:      "display-name",
		defaultValue: "anonymous",
	}
	instrument = configVar[string]{
		envKey:       "PEER_INSTRUMENT",
		flagKey:      "instrument",
		defaultValue: "piano",
	}
	identityPath = configVar[string]{
		envKey:       "PEER_IDENTITY_PATH",
		flagKey:      "identity-path",
		defaultValue: "jamsync-identity.db",
	}
	iceServer = configVar[string]{
		envKey:       "PEER_ICE_SERVER",
		flagKey:      "ice-server",
		defaultValue: "",
	}
	inactivityTimeoutMinutes = configVar[int]{
		envKey:       "PEER_INACTIVITY_TIMEOUT_MINUTES",
		flagKey:      "inactivity-timeout-minutes",
		defaultValue: 10,
	}
	logLevel = configVar[string]{
		envKey:       "PEER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	redisPort = configVar[int]{
		envKey:       "REDIS_PORT",
		flagKey:      "redis-port",
		defaultValue: 6379,
	}
	redisHost = configVar[string]{
		envKey:       "REDIS_HOST",
		flagKey:      "redis-host",
		defaultValue: "localhost",
	}
	redisPassword = configVar[string]{
		envKey:       "REDIS_PASSWORD",
		flagKey:      "redis-password",
		defaultValue: "",
	}
	redisDB = configVar[int]{
		envKey:       "REDIS_DB",
		flagKey:      "redis-db",
		defaultValue: 0,
	}
)

type peerConfig struct {
	RelayURL                 string `json:"relay_url"`
	RoomId                   string `json:"room_id"`
	CreateRoom               bool   `json:"create_room"`
	RoomName                 string `json:"room_name"`
	MaxParticipants          int    `json:"max_participants"`
	DisplayName              string `json:"display_name"`
	Instrument               string `json:"instrument"`
	IdentityPath             string `json:"identity_path"`
	ICEServer                string `json:"ice_server"`
	InactivityTimeoutMinutes int    `json:"inactivity_timeout_minutes"`
	LogLevel                 string `json:"log_level"`
	RedisHost                string `json:"redis_host"`
	RedisPort                int    `json:"redis_port"`
	RedisPassword            string `json:"-"`
	RedisDB                  int    `json:"redis_db"`
}

func loadPeerConfig() *peerConfig {
	pflag.String(relayURL.flagKey, relayURL.defaultValue, "Signaling relay base url")
	pflag.String(roomId.flagKey, roomId.defaultValue, "Room id to join")
	pflag.Bool(createRoom.flagKey, createRoom.defaultValue, "Create a new room and host it")
	pflag.String(roomName.flagKey, roomName.defaultValue, "Name for the created room")
	pflag.Int(maxParticipants.flagKey, maxParticipants.defaultValue, "Maximum number of participants in the created room")
	pflag.String(displayName.flagKey, displayName.defaultValue, "Display name")
	pflag.String(instrument.flagKey, instrument.defaultValue, "Instrument")
	pflag.String(identityPath.flagKey, identityPath.defaultValue, "Path to the persistent identity db")
	pflag.String(iceServer.flagKey, iceServer.defaultValue, "STUN/TURN server url")
	pflag.Int(inactivityTimeoutMinutes.flagKey, inactivityTimeoutMinutes.defaultValue, "Minutes of silence before the hosted room auto-closes")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.Int(redisPort.flagKey, redisPort.defaultValue, "Redis port")
	pflag.String(redisHost.flagKey, redisHost.defaultValue, "Redis host")
	pflag.String(redisPassword.flagKey, redisPassword.defaultValue, "Redis password")
	pflag.Int(redisDB.flagKey, redisDB.defaultValue, "Redis database")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	viper.BindEnv(relayURL.flagKey, relayURL.envKey)
	viper.BindEnv(roomId.flagKey, roomId.envKey)
	viper.BindEnv(createRoom.flagKey, createRoom.envKey)
	viper.BindEnv(roomName.flagKey, roomName.envKey)
	viper.BindEnv(maxParticipants.flagKey, maxParticipants.envKey)
	viper.BindEnv(displayName.flagKey, displayName.envKey)
	viper.BindEnv(instrument.flagKey, instrument.envKey)
	viper.BindEnv(identityPath.flagKey, identityPath.envKey)
	viper.BindEnv(iceServer.flagKey, iceServer.envKey)
	viper.BindEnv(inactivityTimeoutMinutes.flagKey, inactivityTimeoutMinutes.envKey)
	viper.BindEnv(logLevel.flagKey, logLevel.envKey)
	viper.BindEnv(redisPort.flagKey, redisPort.envKey)
	viper.BindEnv(redisHost.flagKey, redisHost.envKey)
	viper.BindEnv(redisPassword.flagKey, redisPassword.envKey)
	viper.BindEnv(redisDB.flagKey, redisDB.envKey)

	viper.SetDefault(relayURL.flagKey, relayURL.defaultValue)
	viper.SetDefault(roomId.flagKey, roomId.defaultValue)
	viper.SetDefault(createRoom.flagKey, createRoom.defaultValue)
	viper.SetDefault(roomName.flagKey, roomName.defaultValue)
	viper.SetDefault(maxParticipants.flagKey, maxParticipants.defaultValue)
	viper.SetDefault(displayName.flagKey, displayName.defaultValue)
	viper.SetDefault(instrument.flagKey, instrument.defaultValue)
	viper.SetDefault(identityPath.flagKey, identityPath.defaultValue)
	viper.SetDefault(iceServer.flagKey, iceServer.defaultValue)
	viper.SetDefault(inactivityTimeoutMinutes.flagKey, inactivityTimeoutMinutes.defaultValue)
	viper.SetDefault(logLevel.flagKey, logLevel.defaultValue)
	viper.SetDefault(redisPort.flagKey, redisPort.defaultValue)
	viper.SetDefault(redisHost.flagKey, redisHost.defaultValue)
	viper.SetDefault(redisPassword.flagKey, redisPassword.defaultValue)
	viper.SetDefault(redisDB.flagKey, redisDB.defaultValue)

	return &peerConfig{
		RelayURL:                 viper.GetString(relayURL.flagKey),
		RoomId:                   viper.GetString(roomId.flagKey),
		CreateRoom:               viper.GetBool(createRoom.flagKey),
		RoomName:                 viper.GetString(roomName.flagKey),
		MaxParticipants:          viper.GetInt(maxParticipants.flagKey),
		DisplayName:              viper.GetString(displayName.flagKey),
		Instrument:               viper.GetString(instrument.flagKey),
		IdentityPath:             viper.GetString(identityPath.flagKey),
		ICEServer:                viper.GetString(iceServer.flagKey),
		InactivityTimeoutMinutes: viper.GetInt(inactivityTimeoutMinutes.flagKey),
		LogLevel:                 viper.GetString(logLevel.flagKey),
		RedisHost:                viper.GetString(redisHost.flagKey),
		RedisPort:                viper.GetInt(redisPort.flagKey),
		RedisPassword:            viper.GetString(redisPassword.flagKey),
		RedisDB:                  viper.GetInt(redisDB.flagKey),
	}
}

// logPlayback is the headless playback sink: notes coming off the wire
// are logged instead of synthesized.
type logPlayback struct {
	logger *slog.Logger
}

func (p logPlayback) PlayNote(instrument, note string, octave, durationMs int, velocity float64) {
	p.logger.Info("note",
		"instrument", instrument,
		"note", note,
		"octave", octave,
		"duration_ms", durationMs,
		"velocity", velocity,
	)
}

type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(title, message, severity string) {
	n.logger.Info("notification", "title", title, "message", message, "severity", severity)
}

func run(ctx context.Context, cfg *peerConfig) error {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		return err
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}),
	}
	logger := slog.New(&h)

	id, err := identity.Load(cfg.IdentityPath)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	logger.Info("identity loaded", "participant_id", id.ParticipantId)

	rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer rc.Close()

	repo := redis.NewRepo(rc, 24*time.Hour, logger)

	targetRoomId := cfg.RoomId
	isHost := false
	if cfg.CreateRoom {
		roomService := roomservice.NewService(repo, randstr.New([]byte(roomIdAlphabet)), logger)
		resp, err := roomService.CreateRoom(ctx, &roomservice.CreateRoomParams{
			Name:                     cfg.RoomName,
			IsPublic:                 true,
			MaxParticipants:          cfg.MaxParticipants,
			CreatorId:                id.ParticipantId,
			AutoCloseEnabled:         true,
			InactivityTimeoutMinutes: cfg.InactivityTimeoutMinutes,
		})
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		targetRoomId = resp.RoomId
		isHost = true
		fmt.Printf("room created: %s\n", targetRoomId)
	}
	if targetRoomId == "" {
		return fmt.Errorf("either --%s or --%s is required", roomId.flagKey, createRoom.flagKey)
	}
	if !isHost {
		existing, err := repo.GetRoom(ctx, targetRoomId)
		if err != nil {
			return fmt.Errorf("failed to get room: %w", err)
		}
		isHost = existing.CreatorId == id.ParticipantId
	}

	tracker := presence.NewTracker(presence.Config{
		RoomId:        targetRoomId,
		ParticipantId: id.ParticipantId,
	}, repo, logger)

	var iceServers []string
	if cfg.ICEServer != "" {
		iceServers = []string{cfg.ICEServer}
	}
	factory := webrtc.NewFactory(webrtc.FactoryConfig{ICEServers: iceServers}, logger)

	sess := session.New(session.Config{
		RoomId:            targetRoomId,
		SelfId:            id.ParticipantId,
		DisplayName:       cfg.DisplayName,
		Instrument:        cfg.Instrument,
		IsHost:            isHost,
		InactivityTimeout: time.Duration(cfg.InactivityTimeoutMinutes) * time.Minute,
	}, session.Deps{
		Repo:     repo,
		Tracker:  tracker,
		Factory:  factory.Create,
		Playback: logPlayback{logger: logger},
		Notifier: logNotifier{logger: logger},
	}, logger)

	relayClient := signaling.NewClient(signaling.ClientConfig{
		RelayURL:      cfg.RelayURL,
		RoomId:        targetRoomId,
		ParticipantId: id.ParticipantId,
	}, sess.HandleSignal, logger)

	if err := relayClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	if err := sess.Start(ctx, relayClient); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	logger.Info("joined room", "room_id", targetRoomId, "is_host", isHost)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("shutting down")
	case <-sess.Done():
		logger.Info("session closed")
	case <-ctx.Done():
	}

	sess.Close()

	return nil
}

func main() {
	ctx := context.Background()

	cfg := loadPeerConfig()

	jsonConfig, _ := json.MarshalIndent(cfg, "", "  ")
	fmt.Printf("starting peer with config: %s\n", jsonConfig)

	log.Fatal(run(ctx, cfg))
}
