package tests

import (
	"bytes"
	"testing"
	"trapper/catalog/auth"
	"trapper/catalog/migrations"
	"trapper/catalog/services"
	"trapper/catalog/storage"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	catalog services.Catalog
	api     chi.Router
	db      *gorm.DB
	storage storage.Storage
	queue   *QueueStub
}

const (
	adminUsername = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"
)

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	// Every new connection to an in-memory sqlite db sees a fresh, empty database.
	sqlDb, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDb.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDb.Close() })

	if err := migrations.Migrate(db); err != nil {
		t.Fatal(err)
	}

	store := storage.NewSharedDisk(t.TempDir())
	queueStub := newQueueStub()

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(new(bytes.Buffer)),
		auth.BasicProviderArgs{
			Secret:        []byte("290zcv02ai249"),
			AdminUsername: adminUsername,
			AdminEmail:    adminEmail,
			AdminPassword: adminPassword,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	catalog := services.NewCatalog(db, store, queueStub, userAuth)

	return &testEnv{catalog: catalog, api: catalog.Routes(), db: db, storage: store, queue: queueStub}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

func (t *testEnv) newUser(username string) (client, error) {
	c := t.newClient()
	login, err := c.signup(username, username+"@mail.com", username+"_password")
	if err != nil {
		return client{}, err
	}

	err = c.login(login)
	if err != nil {
		return client{}, err
	}

	return c, nil
}

func (t *testEnv) adminClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: adminEmail, Password: adminPassword})
	return c, err
}

// seededClient logs in as one of the users created by seed.Run, whose
// password is their username.
func (t *testEnv) seededClient(email, username string) (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: email, Password: username})
	return c, err
}
