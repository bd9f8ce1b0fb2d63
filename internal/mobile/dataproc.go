package mobile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cetrio/dss/internal/models"
	"github.com/cetrio/dss/internal/repository"
	"github.com/cetrio/dss/internal/ws"
)

// LocationChannel is the broadcast channel carrying mobile GPS updates.
const LocationChannel = "mobile_location"

// dataFrame is one queued metadata/userdata frame.
type dataFrame struct {
	typ     FrameType
	payload []byte
}

// coordContent is the body of the "coord" user action.
type coordContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DataProc consumes a session's control and user frames: GPS fixes go
// to the database and the location broadcast; metadata is logged.
type DataProc struct {
	sessionID  string
	streamName string
	repo       repository.MobileStreamRepository
	broadcast  *ws.Broadcaster
	onError    func(error)
	logger     *slog.Logger

	queue    chan dataFrame
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	latest *models.Position
}

// NewDataProc creates the data worker for one session.
func NewDataProc(
	sessionID, streamName string,
	repo repository.MobileStreamRepository,
	broadcast *ws.Broadcaster,
	onError func(error),
	logger *slog.Logger,
) *DataProc {
	return &DataProc{
		sessionID:  sessionID,
		streamName: streamName,
		repo:       repo,
		broadcast:  broadcast,
		onError:    onError,
		logger:     logger.With(slog.String("worker", "data")),
		queue:      make(chan dataFrame, 1024),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the worker.
func (d *DataProc) Start() *DataProc {
	go d.run()
	return d
}

// Add queues one metadata or userdata frame.
func (d *DataProc) Add(typ FrameType, payload []byte) {
	select {
	case d.queue <- dataFrame{typ: typ, payload: payload}:
	case <-d.stop:
	}
}

// Stop halts the worker after the pending queue is abandoned.
func (d *DataProc) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

// LatestPosition returns the most recent GPS fix, nil when none arrived.
func (d *DataProc) LatestPosition() *models.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

func (d *DataProc) run() {
	defer close(d.done)

	for {
		select {
		case <-d.stop:
			return
		case frame := <-d.queue:
			d.handle(frame)
		}
	}
}

func (d *DataProc) handle(frame dataFrame) {
	env, err := DecodeEnvelope(frame.payload)
	if err != nil {
		d.logger.Warn("undecodable data frame",
			slog.String("type", frame.typ.String()),
			slog.Any("error", err),
		)
		return
	}

	switch frame.typ {
	case FrameUserdata:
		switch env.Type {
		case "coord":
			d.handleCoord(env.Content)
		default:
			d.logger.Warn("action not found for user content",
				slog.String("action", env.Type))
		}
	case FrameMetadata:
		d.logger.Debug("metadata received", slog.String("action", env.Type))
	}
}

func (d *DataProc) handleCoord(content json.RawMessage) {
	var c coordContent
	if err := json.Unmarshal(content, &c); err != nil {
		d.logger.Warn("malformed coord content", slog.Any("error", err))
		return
	}

	pos := models.Position{
		Time:  time.Now().UTC(),
		Coord: [2]float64{c.Latitude, c.Longitude},
	}

	d.mu.Lock()
	d.latest = &pos
	d.mu.Unlock()

	if err := d.repo.AppendPosition(context.Background(), d.sessionID, pos); err != nil {
		d.onError(err)
		return
	}

	if d.broadcast != nil {
		d.broadcast.Broadcast(map[string]any{
			"name": d.streamName,
			"info": pos,
		})
	}

	d.logger.Info("position recorded",
		slog.Float64("latitude", c.Latitude),
		slog.Float64("longitude", c.Longitude),
	)
}
