package database

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zaqqye/cmi5_player_v1/internal/models"
)

// Column names the controllers reference as raw SQL strings. The default
// naming strategy splits the AUID suffix into a_uid, so these fields carry
// explicit column tags; this pins them against regressions.
func TestMigrate_ColumnNames(t *testing.T) {
	db := testDB(t)
	m := db.Migrator()

	assert.True(t, m.HasColumn(&models.Session{}, "registration_course_au_id"))
	assert.True(t, m.HasColumn(&models.RegistrationCourseAU{}, "course_au_id"))
	assert.True(t, m.HasColumn(&models.Session{}, "launch_token_id"))
	assert.True(t, m.HasColumn(&models.Registration{}, "moveon_tree"))
}
