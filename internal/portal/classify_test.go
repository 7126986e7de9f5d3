package portal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/pkg/types"
)

func readPage(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", "pages", name))
	require.NoError(t, err)
	return string(b)
}

func TestClassifyLoginFixtures(t *testing.T) {
	m := config.Default().Portal.Markers
	loginURL := config.Default().Portal.LoginURL

	cases := []struct {
		name string
		url  string
		page string
		want types.AuthOutcome
	}{
		{"success home", "https://misiir.sii.cl/cgi_misii/siihome.cgi", "home.html", types.AuthSuccess},
		{"invalid credentials on login page", loginURL, "invalid_credentials.html", types.AuthInvalidCredentials},
		{"maintenance text", "https://www.sii.cl/index.html", "maintenance.html", types.AuthPortalUnavailable},
		{"maintenance path", "https://www.sii.cl/mantencion/aviso.html", "home.html", types.AuthPortalUnavailable},
		{"intermediate gateway", "https://zeusr.sii.cl/cgi_AUT2000/CAutInicio.cgi", "intermediate.html", types.AuthIntermediate},
		{"untouched login page", loginURL, "login.html", types.AuthUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyLogin(tc.url, readPage(t, tc.page), m))
		})
	}
}

func TestVisibleTextSkipsScripts(t *testing.T) {
	text := VisibleText(readPage(t, "login.html"))
	assert.NotContains(t, text, "rut o clave")
	assert.Contains(t, text, "Ingresar")
	assert.Equal(t, "Clave incorrecta", VisibleText("<p>Clave \n\t <b>incorrecta</b></p>"))
}

func TestIsLoginURL(t *testing.T) {
	m := config.Default().Portal.Markers
	assert.True(t, IsLoginURL(config.Default().Portal.LoginURL, m))
	assert.False(t, IsLoginURL("https://www4.sii.cl/consdcvinternetui/services/data/facadeService/getResumen", m))
}

func TestClassifyIngestionMode(t *testing.T) {
	assert.Equal(t, types.DetailAvailable, ClassifyIngestionMode("DET_ELE"))
	assert.Equal(t, types.DetailAvailable, ClassifyIngestionMode(" det_man"))
	assert.Equal(t, types.AggregateNoDetail, ClassifyIngestionMode("RES_BOL"))
	assert.Equal(t, types.AggregateNoDetail, ClassifyIngestionMode("TOT"))
	assert.Equal(t, types.AggregateNoDetail, ClassifyIngestionMode(""))
}
