package echoapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/tutora/apps/api/echo"
	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/analytics"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
	emailsvc "github.com/trezcool/tutora/services/email"
	logsvc "github.com/trezcool/tutora/services/logger"
	metricsvc "github.com/trezcool/tutora/services/metrics"
	smssvc "github.com/trezcool/tutora/services/sms"
	inmemdb "github.com/trezcool/tutora/storage/database/inmem"
	testutil "github.com/trezcool/tutora/tests"
)

var (
	conf       *core.Config
	logger     core.Logger
	validate   *validator.Validate
	translator ut.Translator

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
	errForbidden    = httpErr{Error: "permission denied"}
	errNotFound     = httpErr{Error: "not found"}
)

func TestMain(m *testing.M) {
	conf = testutil.NewConfig()
	logger = logsvc.NewLogger("TEST ", conf)

	_en := en.New()
	translator, _ = ut.New(_en, _en).GetTranslator("en")
	validate = validator.New()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	core.ParseEmailTemplates(conf, logger)

	os.Exit(m.Run())
}

type app struct {
	server   *echoapi.Server
	auth     echoapi.Auth
	db       *inmemdb.DB
	usrRepo  user.Repository
	slotRepo schedule.Repository
	ledger   *wallet.Ledger
	mail     *emailsvc.ConsoleServiceMock
}

func setup(t *testing.T) *app {
	t.Helper()
	db := inmemdb.Open()
	a := &app{
		auth:     echoapi.NewAuth(conf),
		db:       db,
		usrRepo:  inmemdb.NewUserRepository(db),
		slotRepo: inmemdb.NewSlotRepository(db),
		mail:     emailsvc.NewConsoleServiceMock(conf, logger),
	}
	metrics := metricsvc.NewPrometheus()
	a.ledger = wallet.NewLedger(db, inmemdb.NewWalletRepository(db), metrics)

	usrSvc := user.NewService(db, a.usrRepo, a.mail, conf)
	resRepo := inmemdb.NewReservationRepository(db)
	bookingSvc := booking.NewService(booking.Deps{
		DB:       db,
		Repo:     resRepo,
		SlotRepo: a.slotRepo,
		UserRepo: a.usrRepo,
		Ledger:   a.ledger,
		MailSvc:  a.mail,
		SMSSvc:   smssvc.NewConsoleServiceMock(),
		Logger:   logger,
		Metrics:  metrics,
		Conf:     conf,
	})

	a.server = echoapi.NewServer(echoapi.ServerDeps{
		Conf:         conf,
		Logger:       logger,
		Validate:     validate,
		Translator:   translator,
		Metrics:      metrics,
		UserSvc:      usrSvc,
		SlotSvc:      schedule.NewService(db, a.slotRepo, a.usrRepo, conf),
		BookingSvc:   bookingSvc,
		Ledger:       a.ledger,
		AnalyticsSvc: analytics.NewService(inmemdb.NewAnalyticsRepository(db), a.usrRepo),
	})
	t.Cleanup(func() { _ = a.server.Close() })
	return a
}

func (a *app) user(t *testing.T, uname string, roles ...string) user.User {
	t.Helper()
	return testutil.CreateUser(t, a.usrRepo, uname, uname, uname+"@test.test", "", roles, true)
}

func (a *app) token(t *testing.T, usr user.User) string {
	t.Helper()
	token, err := a.auth.GenerateToken(a.auth.UserClaims(usr))
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func (a *app) credit(t *testing.T, student user.User, amount int64) {
	t.Helper()
	_, _, err := a.ledger.Credit(context.Background(), wallet.NewCredit{
		StudentID: student.ID,
		Amount:    amount,
		Reference: fmt.Sprintf("seed-%s-%d", student.ID, time.Now().UnixNano()),
	})
	require.NoError(t, err)
}

func (a *app) do(t *testing.T, tt httpTest) *httptest.ResponseRecorder {
	t.Helper()
	method := tt.method
	if method == "" {
		method = http.MethodGet
	}
	req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
	a.server.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals the response body into v.
func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	if objs == nil {
		objs = []interface{}{}
	}
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	l1, ok1 := j1.([]interface{})
	l2, ok2 := j2.([]interface{})
	if !(ok1 && ok2) {
		return false, nil
	}
	return assert.ElementsMatch(t, l1, l2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	wantCode := tt.wantCode
	if wantCode == 0 {
		wantCode = http.StatusOK
	}
	if rec.Code != wantCode {
		t.Errorf("failed! code = %v; wantCode %v; body %s", rec.Code, wantCode, rec.Body.String())
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, a *app, tests []httpTest) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkCodeAndData(t, tt, a.do(t, tt))
		})
	}
}
