package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrModelNotFound       = errors.New("model not found")
	ErrAdminNotFound       = errors.New("admin not found")
	ErrAccessTokenNotFound = errors.New("access token not found")
	ErrDbAccessFailed      = errors.New("db access failed")
)

func GetModel(modelId uuid.UUID, db *gorm.DB) (Model, error) {
	var model Model

	result := db.First(&model, "id = ?", modelId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return model, ErrModelNotFound
		}
		slog.Error("sql error in get model", "model_id", modelId, "error", result.Error)
		return model, ErrDbAccessFailed
	}

	return model, nil
}

func GetModelByName(name string, db *gorm.DB) (Model, error) {
	var model Model

	result := db.First(&model, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return model, ErrModelNotFound
		}
		slog.Error("sql error in get model by name", "name", name, "error", result.Error)
		return model, ErrDbAccessFailed
	}

	return model, nil
}

func GetAdmin(email string, db *gorm.DB) (Admin, error) {
	var admin Admin

	result := db.First(&admin, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return admin, ErrAdminNotFound
		}
		slog.Error("sql error in get admin", "email", email, "error", result.Error)
		return admin, ErrDbAccessFailed
	}

	return admin, nil
}

func GetAccessToken(token string, db *gorm.DB) (AccessToken, error) {
	var accessToken AccessToken

	result := db.First(&accessToken, "token = ?", token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return accessToken, ErrAccessTokenNotFound
		}
		slog.Error("sql error in get access token", "error", result.Error)
		return accessToken, ErrDbAccessFailed
	}

	return accessToken, nil
}
