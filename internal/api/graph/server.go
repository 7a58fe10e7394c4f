package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/kioskvote/config"
	"github.com/lvdashuaibi/kioskvote/internal/ledger"
	"github.com/lvdashuaibi/kioskvote/internal/model"
	"github.com/lvdashuaibi/kioskvote/internal/repository"
	"go.uber.org/zap"
)

// AdminStore 管理端只读数据
type AdminStore interface {
	ListElections(ctx context.Context) ([]model.Election, error)
	Results(ctx context.Context, electionID string) ([]model.ResultRow, error)
	SessionEvents(ctx context.Context, voterID string, limit int) ([]model.SessionEvent, error)
	Blocks(ctx context.Context, from uint64, limit int) ([]model.AnchorBlock, error)
}

// JobSource 提交任务查询
type JobSource interface {
	Job(ctx context.Context, id string) (*model.SubmissionJob, error)
}

// GraphQLServer 管理端GraphQL服务
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
	secret   string
	issuer   string
	log      *zap.Logger
}

const schemaString = `
type Election {
  id: String!
  title: String!
  startDate: String!
  endDate: String!
  isActive: Boolean!
  status: String!
}

type ResultRow {
  position: String!
  candidateId: String
  candidateName: String!
  votes: Int!
  isAbstain: Boolean!
}

type SessionLog {
  voterId: String!
  action: String!
  kioskId: String!
  userAgent: String!
  detail: String
  timestamp: String!
}

type ElectionOutcome {
  electionId: String!
  status: String!
  receiptId: String
  error: String
}

type Submission {
  id: String!
  voterId: String!
  kioskId: String!
  status: String!
  outcomes: [ElectionOutcome!]!
  txHash: String
  error: String
  createdAt: String!
  updatedAt: String!
}

type Block {
  index: Int!
  jobId: String!
  timestamp: String!
  data: String!
  prevHash: String!
  hash: String!
  createdAt: String!
}

type BlockPage {
  blocks: [Block!]!
  valid: Boolean!
  error: String
}

type Query {
  # 全部选举及当前状态
  elections: [Election!]!

  # 计票结果，包含弃权
  results(electionId: String!): [ResultRow!]!

  # 选民的会话日志，最新的在前
  sessionLogs(voterId: String!, limit: Int): [SessionLog!]!

  # 提交任务状态
  submission(id: String!): Submission

  # 锚定账本区块及校验结果
  blocks(from: Int, limit: Int): BlockPage!
}

schema {
  query: Query
}
`

func NewGraphQLServer(store AdminStore, jobs JobSource, cfg config.ServerConfig, log *zap.Logger) *GraphQLServer {
	resolver := &Resolver{store: store, jobs: jobs, now: time.Now}
	schema := graphql.MustParseSchema(schemaString, resolver)

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
		secret:   cfg.AdminJWTSecret,
		issuer:   cfg.AdminJWTIssuer,
		log:      log,
	}
}

// Handler 需要管理员令牌的GraphQL端点
func (s *GraphQLServer) Handler() http.Handler {
	return s.authMiddleware(s.handler)
}

// Playground 调试页面
func (s *GraphQLServer) Playground(endpoint string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(playgroundHTML(endpoint)))
	})
}

func (s *GraphQLServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := ParseToken(s.secret, s.issuer, token)
		if err != nil {
			s.log.Warn("管理端令牌无效", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		if claims.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// Resolver GraphQL解析器
type Resolver struct {
	store AdminStore
	jobs  JobSource
	now   func() time.Time
}

func (r *Resolver) Elections(ctx context.Context) ([]*ElectionResolver, error) {
	elections, err := r.store.ListElections(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]*ElectionResolver, len(elections))
	for i := range elections {
		out[i] = &ElectionResolver{e: elections[i], now: now}
	}
	return out, nil
}

func (r *Resolver) Results(ctx context.Context, args struct{ ElectionID string }) ([]*ResultResolver, error) {
	rows, err := r.store.Results(ctx, args.ElectionID)
	if err != nil {
		return nil, err
	}
	out := make([]*ResultResolver, len(rows))
	for i := range rows {
		out[i] = &ResultResolver{row: rows[i]}
	}
	return out, nil
}

func (r *Resolver) SessionLogs(ctx context.Context, args struct {
	VoterID string
	Limit   *int32
}) ([]*SessionLogResolver, error) {
	limit := 50
	if args.Limit != nil && *args.Limit > 0 {
		limit = int(*args.Limit)
	}
	events, err := r.store.SessionEvents(ctx, args.VoterID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*SessionLogResolver, len(events))
	for i := range events {
		out[i] = &SessionLogResolver{e: events[i]}
	}
	return out, nil
}

func (r *Resolver) Submission(ctx context.Context, args struct{ ID string }) (*SubmissionResolver, error) {
	job, err := r.jobs.Job(ctx, args.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &SubmissionResolver{job: job}, nil
}

const maxBlockPage = 500

func (r *Resolver) Blocks(ctx context.Context, args struct {
	From  *int32
	Limit *int32
}) (*BlockPageResolver, error) {
	var from uint64
	if args.From != nil && *args.From > 0 {
		from = uint64(*args.From)
	}
	limit := 50
	if args.Limit != nil && *args.Limit > 0 {
		limit = int(*args.Limit)
	}
	if limit > maxBlockPage {
		limit = maxBlockPage
	}

	// 多取前一块，校验本页与之前的链是否衔接
	start, extra := from, 0
	if from > 0 {
		start, extra = from-1, 1
	}
	blocks, err := r.store.Blocks(ctx, start, limit+extra)
	if err != nil {
		return nil, err
	}

	page := &BlockPageResolver{}
	if err := ledger.ValidateChain(blocks); err != nil {
		page.err = err.Error()
	}
	if extra == 1 && len(blocks) > 0 && blocks[0].Index == start {
		blocks = blocks[1:]
	}
	page.blocks = blocks
	return page, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ElectionResolver 选举解析器
type ElectionResolver struct {
	e   model.Election
	now time.Time
}

func (r *ElectionResolver) ID() string        { return r.e.ID }
func (r *ElectionResolver) Title() string     { return r.e.Title }
func (r *ElectionResolver) StartDate() string { return r.e.StartDate.Format(time.RFC3339) }
func (r *ElectionResolver) EndDate() string   { return r.e.EndDate.Format(time.RFC3339) }
func (r *ElectionResolver) IsActive() bool    { return r.e.IsActive }

func (r *ElectionResolver) Status() string {
	switch {
	case !r.e.IsActive:
		return "inactive"
	case r.e.IsExpired(r.now):
		return "expired"
	case r.e.IsUpcoming(r.now):
		return "upcoming"
	}
	return "active"
}

// ResultResolver 计票行解析器
type ResultResolver struct {
	row model.ResultRow
}

func (r *ResultResolver) Position() string      { return r.row.Position }
func (r *ResultResolver) CandidateID() *string  { return optional(r.row.CandidateID) }
func (r *ResultResolver) CandidateName() string { return r.row.CandidateName }
func (r *ResultResolver) Votes() int32          { return int32(r.row.Votes) }
func (r *ResultResolver) IsAbstain() bool       { return r.row.IsAbstain }

// SessionLogResolver 会话日志解析器
type SessionLogResolver struct {
	e model.SessionEvent
}

func (r *SessionLogResolver) VoterID() string   { return r.e.VoterID }
func (r *SessionLogResolver) Action() string    { return string(r.e.Action) }
func (r *SessionLogResolver) KioskID() string   { return r.e.KioskID }
func (r *SessionLogResolver) UserAgent() string { return r.e.UserAgent }
func (r *SessionLogResolver) Detail() *string   { return optional(r.e.Detail) }
func (r *SessionLogResolver) Timestamp() string { return r.e.Timestamp.Format(time.RFC3339) }

// SubmissionResolver 提交任务解析器
type SubmissionResolver struct {
	job *model.SubmissionJob
}

func (r *SubmissionResolver) ID() string      { return r.job.ID }
func (r *SubmissionResolver) VoterID() string { return r.job.VoterID }
func (r *SubmissionResolver) KioskID() string { return r.job.KioskID }
func (r *SubmissionResolver) Status() string  { return string(r.job.Status) }
func (r *SubmissionResolver) TxHash() *string { return optional(r.job.TxHash) }
func (r *SubmissionResolver) Error() *string  { return optional(r.job.Error) }

func (r *SubmissionResolver) CreatedAt() string { return r.job.CreatedAt.Format(time.RFC3339) }
func (r *SubmissionResolver) UpdatedAt() string { return r.job.UpdatedAt.Format(time.RFC3339) }

func (r *SubmissionResolver) Outcomes() []*OutcomeResolver {
	out := make([]*OutcomeResolver, len(r.job.Outcomes))
	for i := range r.job.Outcomes {
		out[i] = &OutcomeResolver{o: r.job.Outcomes[i]}
	}
	return out
}

type OutcomeResolver struct {
	o model.ElectionOutcome
}

func (r *OutcomeResolver) ElectionID() string { return r.o.ElectionID }
func (r *OutcomeResolver) Status() string     { return string(r.o.Status) }
func (r *OutcomeResolver) ReceiptID() *string { return optional(r.o.ReceiptID) }
func (r *OutcomeResolver) Error() *string     { return optional(r.o.Error) }

// BlockPageResolver 区块分页解析器
type BlockPageResolver struct {
	blocks []model.AnchorBlock
	err    string
}

func (r *BlockPageResolver) Valid() bool    { return r.err == "" }
func (r *BlockPageResolver) Error() *string { return optional(r.err) }

func (r *BlockPageResolver) Blocks() []*BlockResolver {
	out := make([]*BlockResolver, len(r.blocks))
	for i := range r.blocks {
		out[i] = &BlockResolver{b: r.blocks[i]}
	}
	return out
}

type BlockResolver struct {
	b model.AnchorBlock
}

func (r *BlockResolver) Index() int32      { return int32(r.b.Index) }
func (r *BlockResolver) JobID() string     { return r.b.JobID }
func (r *BlockResolver) Data() string      { return string(r.b.Data) }
func (r *BlockResolver) PrevHash() string  { return ledger.Hex(r.b.PrevHash) }
func (r *BlockResolver) Hash() string      { return ledger.Hex(r.b.Hash) }
func (r *BlockResolver) CreatedAt() string { return r.b.CreatedAt.Format(time.RFC3339) }

func (r *BlockResolver) Timestamp() string {
	return time.Unix(0, r.b.Timestamp).UTC().Format(time.RFC3339Nano)
}

func playgroundHTML(endpoint string) string {
	return `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Kiosk Vote Admin GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '` + endpoint + `'
      })
    })</script>
</body>
</html>
`
}
