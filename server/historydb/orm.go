package historydb

import "github.com/cyclopcam/dbh"

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Prediction is a summary of one classification request
type Prediction struct {
	BaseModel
	CreatedAt      dbh.IntTime `json:"createdAt" gorm:"autoCreateTime:false"`
	Width          int         `json:"width"`  // Width of the canvas
	Height         int         `json:"height"` // Height of the canvas
	Blank          bool        `json:"blank"`  // True if the canvas had no strokes
	TopClass       string      `json:"topClass"`
	TopPercentage  float64     `json:"topPercentage"`
	DurationMicros int64       `json:"durationMicros"` // Time spent normalizing and classifying
	Backend        string      `json:"backend"`        // "native" or "onnx"
}

func (Prediction) TableName() string {
	return "prediction"
}

// ClassCount is the number of times that a class was the top prediction
type ClassCount struct {
	TopClass string `json:"className"`
	Count    int64  `json:"count"`
}
