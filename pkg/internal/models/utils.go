package models

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"gorm.io/gorm"
)

type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

func FitStruct(src any, out any) {
	raw, _ := jsoniter.Marshal(src)
	_ = jsoniter.Unmarshal(raw, out)
}
