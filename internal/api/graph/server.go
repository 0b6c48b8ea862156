package graph

import (
	"context"
	"math"
	"net/http"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/promocoupon/internal/errs"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"github.com/lvdashuaibi/promocoupon/internal/service"
	"go.uber.org/zap"
)

const schemaString = `
type Promotion {
  id: ID!
  user: String!
  activity: String!
  code: String
  reservedTime: String!
  issuedTime: String
}

type Query {
  # 查询用户在活动中的记录
  promotion(activityId: String!, user: String!): Promotion

  # 活动剩余数量
  remainingAmount(activityId: String!): Int!
}

type Mutation {
  # 预约
  reserve(activityId: String!, user: String!): Promotion!

  # 领取优惠券
  issue(activityId: String!, user: String!): Promotion!
}

schema {
  query: Query
  mutation: Mutation
}
`

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema  *graphql.Schema
	handler *relay.Handler
}

// NewGraphQLServer 与 REST 共用同一个业务入口
func NewGraphQLServer(svc service.Promotions, log *zap.Logger) *GraphQLServer {
	resolver := &Resolver{service: svc, log: logger.OrNop(log)}
	schema := graphql.MustParseSchema(schemaString, resolver)

	return &GraphQLServer{
		schema:  schema,
		handler: &relay.Handler{Schema: schema},
	}
}

func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

func (s *GraphQLServer) Schema() *graphql.Schema {
	return s.schema
}

// Resolver GraphQL解析器
type Resolver struct {
	service service.Promotions
	log     *zap.Logger
}

type promotionArgs struct {
	ActivityID string
	User       string
}

func (r *Resolver) Promotion(ctx context.Context, args promotionArgs) (*PromotionResolver, error) {
	p, err := r.service.Get(ctx, args.ActivityID, args.User)
	if err != nil {
		return nil, r.wrap(err)
	}
	if p == nil {
		return nil, nil
	}
	return &PromotionResolver{p: p}, nil
}

func (r *Resolver) RemainingAmount(ctx context.Context, args struct{ ActivityID string }) (int32, error) {
	amount, err := r.service.RemainingAmount(ctx, args.ActivityID)
	if err != nil {
		return 0, r.wrap(err)
	}
	return clampInt32(amount), nil
}

// clampInt32 GraphQL Int 为32位，超出范围时取边界值
func clampInt32(n int64) int32 {
	switch {
	case n > math.MaxInt32:
		return math.MaxInt32
	case n < math.MinInt32:
		return math.MinInt32
	}
	return int32(n)
}

func (r *Resolver) Reserve(ctx context.Context, args promotionArgs) (*PromotionResolver, error) {
	p, err := r.service.Reserve(ctx, args.ActivityID, args.User)
	if err != nil {
		return nil, r.wrap(err)
	}
	return &PromotionResolver{p: p}, nil
}

func (r *Resolver) Issue(ctx context.Context, args promotionArgs) (*PromotionResolver, error) {
	p, err := r.service.Issue(ctx, args.ActivityID, args.User)
	if err != nil {
		return nil, r.wrap(err)
	}
	return &PromotionResolver{p: p}, nil
}

func (r *Resolver) wrap(err error) error {
	code := "INTERNAL"
	switch {
	case errs.Is(err, errs.ErrInvalidRequest):
		code = "BAD_REQUEST"
	case errs.IsDomain(err):
		code = "FORBIDDEN"
	default:
		r.log.Error("GraphQL请求处理失败", zap.Error(err))
	}
	return &resolverError{err: err, code: code}
}

// resolverError 对外只暴露领域错误信息，code 放在 extensions 中
type resolverError struct {
	err  error
	code string
}

func (e *resolverError) Error() string {
	return errs.Message(e.err)
}

func (e *resolverError) Unwrap() error {
	return e.err
}

func (e *resolverError) Extensions() map[string]interface{} {
	return map[string]interface{}{"code": e.code}
}

// PromotionResolver 记录解析器
type PromotionResolver struct {
	p *model.Promotion
}

func (r *PromotionResolver) ID() graphql.ID {
	return graphql.ID(r.p.ID)
}

func (r *PromotionResolver) User() string {
	return r.p.User
}

func (r *PromotionResolver) Activity() string {
	return r.p.Activity
}

func (r *PromotionResolver) Code() *string {
	if r.p.Code == "" {
		return nil
	}
	return &r.p.Code
}

func (r *PromotionResolver) ReservedTime() string {
	return model.FormatTime(r.p.ReservedTime)
}

func (r *PromotionResolver) IssuedTime() *string {
	if r.p.IssuedTime == nil {
		return nil
	}
	s := model.FormatTime(*r.p.IssuedTime)
	return &s
}
