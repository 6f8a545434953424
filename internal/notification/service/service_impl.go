package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Johnson1425-ux/segese-backend/internal/clock"
	notifdomain "github.com/Johnson1425-ux/segese-backend/internal/notification/domain"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) notifdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("notification.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Notify(ctx context.Context, patientID snowflake.ID, kind string, payload map[string]any) error {
	row := notifdomain.Notification{
		ID:        s.genID.Generate(),
		PatientID: patientID,
		Kind:      kind,
		Payload:   datatypes.JSONMap(payload),
		Status:    notifdomain.NotificationQueued,
		CreatedAt: s.clock.Now(),
	}
	if row.Payload == nil {
		row.Payload = datatypes.JSONMap{}
	}
	return s.db.WithContext(ctx).Create(&row).Error
}
