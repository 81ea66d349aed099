package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/khanhvc/exercode/internal/access"
	"github.com/khanhvc/exercode/internal/changelog"
	"github.com/khanhvc/exercode/internal/course"
	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
	"github.com/khanhvc/exercode/internal/event"
	"github.com/khanhvc/exercode/internal/exchange"
	"github.com/khanhvc/exercode/internal/quiz"
	"github.com/khanhvc/exercode/internal/receipt"
	"github.com/khanhvc/exercode/internal/standings"
)

type Config struct {
	Engine       *gin.Engine
	EventBus     *event.Bus
	Resolver     access.Resolver
	Gate         *access.Gate
	ChangeLog    *changelog.Service
	Receipts     *receipt.Service
	Standings    *standings.Service
	Quizzes      *quiz.Service
	Courses      *course.Service
	Exchange     *exchange.Client
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// API is the thin HTTP glue over the core services. It resolves the caller's
// identity, translates JSON to service requests, and republishes core events
// to redis pubsub channels for connected clients.
type API struct {
	resolver access.Resolver
	gate     *access.Gate

	cls *changelog.Service
	rs  *receipt.Service
	sts *standings.Service
	qs  *quiz.Service
	cs  *course.Service
	ex  *exchange.Client

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		resolver: c.Resolver,
		gate:     c.Gate,
		cls:      c.ChangeLog,
		rs:       c.Receipts,
		sts:      c.Standings,
		qs:       c.Quizzes,
		cs:       c.Courses,
		ex:       c.Exchange,
		redis:    c.Redis,
		prefix:   c.PubsubPrefix,
	}

	if c.Engine != nil {
		a.registerRoutes(c.Engine)
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameQuizStarted, func(ctx context.Context, e event.Event) error {
			return a.PublishQuizStarted(ctx, e.(domain.EventQuizStarted))
		})
		c.EventBus.Subscribe(domain.EventNameQuizEnded, func(ctx context.Context, e event.Event) error {
			return a.PublishQuizEnded(ctx, e.(domain.EventQuizEnded))
		})
		c.EventBus.Subscribe(domain.EventNameReceiptRecorded, func(ctx context.Context, e event.Event) error {
			return a.PublishReceiptRecorded(ctx, e.(domain.EventReceiptRecorded))
		})
	}

	return a
}

func (a *API) registerRoutes(e *gin.Engine) {
	v1 := e.Group("/v1", a.authenticate)

	v1.POST("/changes", a.appendChanges)
	v1.GET("/users/:userID/problems/:problemID/changes/latest", a.latestChange)
	v1.GET("/users/:userID/problems/:problemID/changes/latest-full-text", a.latestFullTextChange)
	v1.GET("/users/:userID/problems/:problemID/changes", a.changesSince)

	v1.POST("/receipts", a.recordReceipt)
	v1.GET("/receipts/:id", a.getReceipt)
	v1.PUT("/receipts/:id", a.updateReceipt)
	v1.GET("/receipts/:id/results", a.getResults)
	v1.PUT("/receipts/:id/results", a.replaceResults)

	v1.GET("/problems/:problemID/best-receipts", a.bestReceipts)

	v1.POST("/problems/:problemID/quiz/start", a.startQuiz)
	v1.GET("/problems/:problemID/quiz", a.currentQuiz)
	v1.POST("/problems/:problemID/quiz/end", a.endQuiz)

	v1.GET("/courses", a.listCourses)
	v1.POST("/courses/:courseID/exercises/import", a.importExercise)
	v1.POST("/problems/:problemID/exercises/publish", a.publishExercise)
}

const callerKey = "api.caller"

func (a *API) authenticate(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		respondErr(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("missing bearer token")))
		c.Abort()
		return
	}

	id, err := a.resolver.Resolve(c.Request.Context(), token)
	if err != nil {
		respondErr(c, err)
		c.Abort()
		return
	}

	c.Set(callerKey, id)
	c.Next()
}

func caller(c *gin.Context) access.Identity {
	id, _ := c.MustGet(callerKey).(access.Identity)
	return id
}

func respondErr(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), gin.H{"error": e})
}

func pathInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid %s: %q", name, c.Param(name))))
		return 0, false
	}
	return v, true
}

// --- changes ---

type changeJSON struct {
	EventID   int64     `json:"event_id,omitempty"`
	UserID    int64     `json:"user_id"`
	ProblemID int64     `json:"problem_id"`
	Revision  int64     `json:"revision"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Position  int       `json:"position,omitempty"`
	Deleted   string    `json:"deleted,omitempty"`
	Inserted  string    `json:"inserted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func toDomainChange(in changeJSON) domain.Change {
	return domain.Change{
		EventID:   in.EventID,
		UserID:    in.UserID,
		ProblemID: in.ProblemID,
		Revision:  in.Revision,
		Kind:      domain.ChangeKind(in.Kind),
		Text:      in.Text,
		Position:  in.Position,
		Deleted:   in.Deleted,
		Inserted:  in.Inserted,
		Timestamp: in.Timestamp,
	}
}

func fromDomainChange(c domain.Change) changeJSON {
	return changeJSON{
		EventID:   c.EventID,
		UserID:    c.UserID,
		ProblemID: c.ProblemID,
		Revision:  c.Revision,
		Kind:      string(c.Kind),
		Text:      c.Text,
		Position:  c.Position,
		Deleted:   c.Deleted,
		Inserted:  c.Inserted,
		Timestamp: c.Timestamp,
	}
}

func (a *API) appendChanges(c *gin.Context) {
	var body struct {
		Changes []changeJSON `json:"changes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	batch := make([]domain.Change, 0, len(body.Changes))
	for _, in := range body.Changes {
		batch = append(batch, toDomainChange(in))
	}

	if err := a.cls.Append(c.Request.Context(), changelog.AppendRequest{
		Caller:  caller(c),
		Changes: batch,
	}); err != nil {
		respondErr(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) latestChange(c *gin.Context) {
	a.oneChange(c, a.cls.Latest)
}

func (a *API) latestFullTextChange(c *gin.Context) {
	a.oneChange(c, a.cls.LatestFullText)
}

func (a *API) oneChange(c *gin.Context, get func(context.Context, changelog.StreamRequest) (domain.Change, bool, error)) {
	userID, ok := pathInt64(c, "userID")
	if !ok {
		return
	}
	problemID, ok := pathInt64(c, "problemID")
	if !ok {
		return
	}

	ch, found, err := get(c.Request.Context(), changelog.StreamRequest{
		Caller:    caller(c),
		UserID:    userID,
		ProblemID: problemID,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	if !found {
		respondErr(c, errors.New(errors.CodeNotFound,
			errors.WithMessagef("edit stream is empty")))
		return
	}

	c.JSON(http.StatusOK, gin.H{"change": fromDomainChange(ch)})
}

func (a *API) changesSince(c *gin.Context) {
	userID, ok := pathInt64(c, "userID")
	if !ok {
		return
	}
	problemID, ok := pathInt64(c, "problemID")
	if !ok {
		return
	}

	base, err := strconv.ParseInt(c.DefaultQuery("since", "-1"), 10, 64)
	if err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid since: %q", c.Query("since"))))
		return
	}

	changes, err := a.cls.ChangesSince(c.Request.Context(), changelog.ChangesSinceRequest{
		Caller:       caller(c),
		UserID:       userID,
		ProblemID:    problemID,
		BaseRevision: base,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]changeJSON, 0, len(changes))
	for _, ch := range changes {
		out = append(out, fromDomainChange(ch))
	}

	c.JSON(http.StatusOK, gin.H{"changes": out})
}

// --- receipts ---

type receiptJSON struct {
	ID        string    `json:"id,omitempty"`
	UserID    int64     `json:"user_id"`
	ProblemID int64     `json:"problem_id"`
	Revision  int64     `json:"revision"`
	Status    string    `json:"status"`
	NumPassed int       `json:"num_passed"`
	NumTests  int       `json:"num_tests"`
	Score     string    `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

type testResultJSON struct {
	ID         string `json:"id,omitempty"`
	TestCaseID string `json:"test_case_id"`
	Outcome    string `json:"outcome"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

func fromDomainReceipt(r domain.SubmissionReceipt) receiptJSON {
	return receiptJSON{
		ID:        r.ID,
		UserID:    r.UserID,
		ProblemID: r.ProblemID,
		Revision:  r.Revision,
		Status:    string(r.Status),
		NumPassed: r.NumPassed,
		NumTests:  r.NumTests,
		Score:     r.Score.String(),
		Timestamp: r.Timestamp,
	}
}

func toDomainResults(in []testResultJSON) []domain.TestResult {
	out := make([]domain.TestResult, 0, len(in))
	for _, tr := range in {
		out = append(out, domain.TestResult{
			TestCaseID: tr.TestCaseID,
			Outcome:    domain.TestOutcome(tr.Outcome),
			Stdout:     tr.Stdout,
			Stderr:     tr.Stderr,
			Elapsed:    time.Duration(tr.ElapsedMs) * time.Millisecond,
		})
	}
	return out
}

func (a *API) recordReceipt(c *gin.Context) {
	var body struct {
		Receipt receiptJSON      `json:"receipt"`
		Results []testResultJSON `json:"results"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	id, err := a.rs.Record(c.Request.Context(), receipt.RecordRequest{
		Caller: caller(c),
		Receipt: domain.SubmissionReceipt{
			UserID:    body.Receipt.UserID,
			ProblemID: body.Receipt.ProblemID,
			Revision:  body.Receipt.Revision,
			Status:    domain.SubmissionStatus(body.Receipt.Status),
			NumPassed: body.Receipt.NumPassed,
			NumTests:  body.Receipt.NumTests,
			Timestamp: body.Receipt.Timestamp,
		},
		Results: toDomainResults(body.Results),
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (a *API) getReceipt(c *gin.Context) {
	r, err := a.rs.Get(c.Request.Context(), receipt.GetRequest{
		Caller: caller(c),
		ID:     c.Param("id"),
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"receipt": fromDomainReceipt(r)})
}

func (a *API) getResults(c *gin.Context) {
	results, err := a.rs.Results(c.Request.Context(), receipt.GetRequest{
		Caller: caller(c),
		ID:     c.Param("id"),
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]testResultJSON, 0, len(results))
	for _, tr := range results {
		out = append(out, testResultJSON{
			ID:         tr.ID,
			TestCaseID: tr.TestCaseID,
			Outcome:    string(tr.Outcome),
			Stdout:     tr.Stdout,
			Stderr:     tr.Stderr,
			ElapsedMs:  tr.Elapsed.Milliseconds(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (a *API) updateReceipt(c *gin.Context) {
	var body struct {
		Receipt receiptJSON `json:"receipt"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.rs.Update(c.Request.Context(), receipt.UpdateRequest{
		Caller: caller(c),
		Receipt: domain.SubmissionReceipt{
			ID:        c.Param("id"),
			Status:    domain.SubmissionStatus(body.Receipt.Status),
			NumPassed: body.Receipt.NumPassed,
			NumTests:  body.Receipt.NumTests,
			Timestamp: body.Receipt.Timestamp,
		},
	}); err != nil {
		respondErr(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) replaceResults(c *gin.Context) {
	var body struct {
		Results []testResultJSON `json:"results"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.rs.ReplaceResults(c.Request.Context(), receipt.ReplaceResultsRequest{
		Caller:  caller(c),
		ID:      c.Param("id"),
		Results: toDomainResults(body.Results),
	}); err != nil {
		respondErr(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// --- standings ---

func (a *API) bestReceipts(c *gin.Context) {
	problemID, ok := pathInt64(c, "problemID")
	if !ok {
		return
	}

	section, err := strconv.Atoi(c.Query("section"))
	if err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid section: %q", c.Query("section"))))
		return
	}

	best, err := a.sts.BestReceipts(c.Request.Context(), standings.BestReceiptsRequest{
		Caller:    caller(c),
		ProblemID: problemID,
		Section:   section,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	type entry struct {
		UserID   int64       `json:"user_id"`
		Username string      `json:"username"`
		Receipt  receiptJSON `json:"receipt"`
	}

	out := make([]entry, 0, len(best))
	for _, ur := range best {
		out = append(out, entry{
			UserID:   ur.User.UserID,
			Username: ur.User.Username,
			Receipt:  fromDomainReceipt(ur.Receipt),
		})
	}

	c.JSON(http.StatusOK, gin.H{"best_receipts": out})
}

// --- quiz ---

type quizJSON struct {
	ProblemID int64      `json:"problem_id"`
	Section   int        `json:"section"`
	State     string     `json:"state"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

func fromDomainQuiz(q domain.Quiz) quizJSON {
	out := quizJSON{
		ProblemID: q.ProblemID,
		Section:   q.Section,
		State:     string(q.State()),
		StartTime: q.StartTime,
	}
	if !q.EndTime.IsZero() {
		end := q.EndTime
		out.EndTime = &end
	}
	return out
}

func (a *API) startQuiz(c *gin.Context) {
	problemID, ok := pathInt64(c, "problemID")
	if !ok {
		return
	}

	var body struct {
		Section int `json:"section"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	q, err := a.qs.Start(c.Request.Context(), quiz.StartRequest{
		Caller:    caller(c),
		ProblemID: problemID,
		Section:   body.Section,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"quiz": fromDomainQuiz(q)})
}

func (a *API) currentQuiz(c *gin.Context) {
	problemID, ok := pathInt64(c, "problemID")
	if !ok {
		return
	}

	q, found, err := a.qs.Current(c.Request.Context(), quiz.CurrentRequest{
		Caller:    caller(c),
		ProblemID: problemID,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	if !found {
		respondErr(c, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no active quiz for problem %d", problemID)))
		return
	}

	out := fromDomainQuiz(q)
	// Current projects the server clock into EndTime while the session is
	// still active; keep it visible and report the live state.
	out.State = string(domain.QuizActive)
	end := q.EndTime
	out.EndTime = &end

	c.JSON(http.StatusOK, gin.H{"quiz": out})
}

func (a *API) endQuiz(c *gin.Context) {
	problemID, ok := pathInt64(c, "problemID")
	if !ok {
		return
	}

	var body struct {
		Section int `json:"section"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	q, err := a.qs.End(c.Request.Context(), quiz.EndRequest{
		Caller:    caller(c),
		ProblemID: problemID,
		Section:   body.Section,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quiz": fromDomainQuiz(q)})
}

// --- courses and exchange ---

func (a *API) listCourses(c *gin.Context) {
	list, err := a.cs.CoursesForUser(c.Request.Context(), caller(c).UserID)
	if err != nil {
		respondErr(c, err)
		return
	}

	type entry struct {
		CourseID int64  `json:"course_id"`
		Name     string `json:"name"`
		Title    string `json:"title"`
		Term     string `json:"term"`
		Year     int    `json:"year"`
		Role     string `json:"role"`
		Section  int    `json:"section"`
	}

	out := make([]entry, 0, len(list))
	for _, ctr := range list {
		out = append(out, entry{
			CourseID: ctr.Course.CourseID,
			Name:     ctr.Course.Name,
			Title:    ctr.Course.Title,
			Term:     ctr.Term.Name,
			Year:     ctr.Term.Year,
			Role:     string(ctr.Registration.Role),
			Section:  ctr.Registration.Section,
		})
	}

	c.JSON(http.StatusOK, gin.H{"courses": out})
}

func (a *API) importExercise(c *gin.Context) {
	courseID, ok := pathInt64(c, "courseID")
	if !ok {
		return
	}

	var body struct {
		Hash string `json:"hash"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ctx := c.Request.Context()

	if _, err := a.gate.RequireInstructor(ctx, caller(c), courseID); err != nil {
		respondErr(c, err)
		return
	}

	ex, err := a.ex.Import(ctx, body.Hash)
	if err != nil {
		respondErr(c, err)
		return
	}

	now := time.Now()
	ex.Problem.CourseID = courseID
	ex.Problem.WhenAssigned = now
	ex.Problem.WhenDue = now.Add(48 * time.Hour)

	if err := a.cs.StoreExercise(ctx, ex); err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"problem_id": ex.Problem.ProblemID})
}

func (a *API) publishExercise(c *gin.Context) {
	problemID, ok := pathInt64(c, "problemID")
	if !ok {
		return
	}

	var body struct {
		RepoUsername string `json:"repo_username"`
		RepoPassword string `json:"repo_password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ctx := c.Request.Context()

	p, _, err := a.gate.RequireProblemInstructor(ctx, caller(c), problemID)
	if err != nil {
		respondErr(c, err)
		return
	}

	cases, err := a.cs.TestCasesForProblem(ctx, problemID)
	if err != nil {
		respondErr(c, err)
		return
	}

	if err := a.ex.Publish(ctx, &domain.ProblemAndTestCaseList{
		Problem:   p,
		TestCases: cases,
	}, body.RepoUsername, body.RepoPassword); err != nil {
		respondErr(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
