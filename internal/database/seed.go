package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/zaqqye/cmi5_player_v1/internal/config"
	"github.com/zaqqye/cmi5_player_v1/internal/models"
	"github.com/zaqqye/cmi5_player_v1/internal/moveon"
	"github.com/zaqqye/cmi5_player_v1/internal/utils"
)

// SeedTenant creates the default tenant from config when none exists, so a
// fresh deployment has credentials to authenticate with. Generated
// credentials are returned through the tenant row; the secret is stored
// hashed and cannot be read back later.
func SeedTenant(db *gorm.DB, cfg *config.Config) (*models.Tenant, error) {
	var count int64
	if err := db.Model(&models.Tenant{}).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	key := cfg.TenantApiKey
	if key == "" {
		key = uuid.NewString()
	}
	secret := cfg.TenantApiSecret
	if secret == "" {
		secret = uuid.NewString()
	}
	hashed, err := utils.HashSecret(secret)
	if err != nil {
		return nil, err
	}

	tenant := models.Tenant{
		Code:      cfg.TenantCode,
		Name:      cfg.TenantName,
		ApiKey:    key,
		ApiSecret: hashed,
	}
	if err := db.Create(&tenant).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

type courseSeed struct {
	LmsID       string          `json:"lmsId"`
	PublisherID string          `json:"publisherId"`
	Title       string          `json:"title"`
	Structure   json.RawMessage `json:"structure"`
	AUs         []struct {
		LmsID            string   `json:"lmsId"`
		PublisherID      string   `json:"publisherId"`
		Title            string   `json:"title"`
		URL              string   `json:"url"`
		MoveOn           string   `json:"moveOn"`
		MasteryScore     *float64 `json:"masteryScore"`
		LaunchMethod     string   `json:"launchMethod"`
		LaunchParameters string   `json:"launchParameters"`
	} `json:"aus"`
}

// SeedCourse imports a demo course from the file named by COURSE_SEED_FILE
// into the tenant identified by the configured tenant code. Idempotent: a
// course with the same lmsId short-circuits.
func SeedCourse(db *gorm.DB, cfg *config.Config) (*models.Course, error) {
	if cfg.CourseSeedFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(cfg.CourseSeedFile)
	if err != nil {
		return nil, fmt.Errorf("course seed: %w", err)
	}
	var seed courseSeed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("course seed: parse %s: %w", cfg.CourseSeedFile, err)
	}
	if seed.LmsID == "" || len(seed.AUs) == 0 {
		return nil, fmt.Errorf("course seed: %s: lmsId and at least one AU required", cfg.CourseSeedFile)
	}
	if _, err := moveon.ParseTree(seed.Structure); err != nil {
		return nil, fmt.Errorf("course seed: %w", err)
	}

	var tenant models.Tenant
	if err := db.Where("code = ?", cfg.TenantCode).First(&tenant).Error; err != nil {
		return nil, fmt.Errorf("course seed: tenant %q: %w", cfg.TenantCode, err)
	}

	var existing models.Course
	err = db.Where("tenant_id = ? AND lms_id = ?", tenant.ID, seed.LmsID).First(&existing).Error
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	course := models.Course{
		TenantID:    tenant.ID,
		LmsID:       seed.LmsID,
		PublisherID: seed.PublisherID,
		Title:       seed.Title,
		Structure:   datatypes.JSON(seed.Structure),
	}
	txErr := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&course).Error; err != nil {
			return err
		}
		for i, au := range seed.AUs {
			row := models.CourseAU{
				TenantID:         tenant.ID,
				CourseID:         course.ID,
				AuIndex:          i,
				LmsID:            au.LmsID,
				PublisherID:      au.PublisherID,
				Title:            au.Title,
				URL:              au.URL,
				MoveOn:           au.MoveOn,
				MasteryScore:     au.MasteryScore,
				LaunchMethod:     au.LaunchMethod,
				LaunchParameters: au.LaunchParameters,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &course, nil
}
