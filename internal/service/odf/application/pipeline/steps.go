// internal/service/odf/application/pipeline/steps.go
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"odf/internal/pkg/logger"
	"odf/internal/service/odf/domain"
)

// initialisation 检查订单可以进入校验。已经拿到远程句柄的订单直接返回已校验。
func initialisation(sc *StepContext) (*domain.PipelineResult, error) {
	if sc.Order.IsClosed() {
		return nil, errors.Wrapf(domain.ErrOrderClosed, "order %s", sc.Order.Number)
	}
	if len(sc.Lines) == 0 {
		return nil, domain.ValidationError("Initialisation failed", []string{
			fmt.Sprintf("order %s has no lines", sc.Order.Number),
		})
	}

	if sc.Order.HasUniqueID() {
		return alreadyValidated(sc), nil
	}
	return sc.success(fmt.Sprintf("order %s loaded with %d lines", sc.Order.Number, len(sc.Lines))), nil
}

// alreadyValidated 是拿到远程句柄之后任何步骤的结果
func alreadyValidated(sc *StepContext) *domain.PipelineResult {
	res := domain.Success(sc.OrderID, sc.Step, 100, fmt.Sprintf("order %s is already validated", sc.Order.Number))
	res.UniqueID = sc.Order.UniqueID
	return res
}

func articleCheck(sc *StepContext) (*domain.PipelineResult, error) {
	report, err := sc.Deps.Validator.Validate(sc.Ctx, sc.Lines)
	if err != nil {
		return nil, err
	}
	if !report.OK() {
		return nil, domain.ValidationError("Article check failed", report.Issues)
	}
	res := sc.success(fmt.Sprintf("%d lines authorized, %d coupons requested", len(report.EligibleLines), report.CouponQuantity))
	res.Details = report
	return res, nil
}

func affaireCheck(sc *StepContext) (*domain.PipelineResult, error) {
	if sc.Order.AffaireCode == "" {
		return nil, domain.ValidationError("Affaire check failed", []string{
			fmt.Sprintf("order %s has no affaire", sc.Order.Number),
		})
	}
	affaire, err := sc.Deps.Erp.FindAffaire(sc.Ctx, sc.Order.AffaireCode)
	if err != nil {
		return nil, err
	}
	if !affaire.IsOpen() {
		return nil, domain.ValidationError("Affaire check failed", []string{
			fmt.Sprintf("affaire %s is %s", affaire.Code, affaire.Status),
		})
	}
	return sc.success(fmt.Sprintf("affaire %s is open", affaire.Code)), nil
}

// serialCheck 并发检查每个序列号在激活服务中的状态，全部有效后加序列号锁
func serialCheck(sc *StepContext) (*domain.PipelineResult, error) {
	var lines []domain.OrderLine
	for _, l := range sc.Lines {
		if l.IsArticle() && l.SerialNumber != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return sc.success("no serial numbers to check"), nil
	}

	// 1. 并发调用激活服务，结果按行顺序保存
	results := make([]domain.ActivationResult, len(lines))
	g, gctx := errgroup.WithContext(sc.Ctx)
	g.SetLimit(sc.Deps.SerialCheckConcurrency)
	corr := sc.CorrelationID()
	for i, l := range lines {
		i, serial := i, l.SerialNumber
		g.Go(func() error {
			results[i] = sc.Deps.Activation.CheckSerialNumber(gctx, corr, serial)
			return nil
		})
	}
	_ = g.Wait()

	// 2. 硬错误优先，其次是软错误
	var issues []string
	for i, r := range results {
		switch r.Outcome {
		case domain.OutcomeSuccess:
		case domain.OutcomeHardError:
			return nil, domain.ExternalError("Serial check failed", r.Err, r.Raw)
		default:
			issues = append(issues, fmt.Sprintf("serial %s: %s %s", lines[i].SerialNumber, r.Code, r.Message))
		}
	}
	if len(issues) > 0 {
		return nil, domain.ValidationError("Serial check failed", issues)
	}

	// 3. 加锁，防止其他订单使用相同序列号
	locks := make([]domain.SerialLock, 0, len(lines))
	for _, l := range lines {
		locks = append(locks, domain.SerialLock{
			SerialNumber: l.SerialNumber,
			Kind:         domain.LockKindSerial,
			OrderID:      sc.OrderID,
			LineID:       l.ID,
			ArticleCode:  l.ArticleCode,
		})
	}
	if err := sc.Deps.Locks.Acquire(sc.Ctx, locks); err != nil {
		return nil, err
	}
	sc.AddCompensation(releaseKeys(sc, locks))

	res := sc.success(fmt.Sprintf("%d serial numbers checked and locked", len(locks)))
	res.Details = lockDetails(locks)
	return res, nil
}

// couponCheck 检查父序列号的订阅并为每个 Coupon 行保留券序列号
func couponCheck(sc *StepContext) (*domain.PipelineResult, error) {
	idx := domain.IndexLines(sc.Lines)
	var warnings []string
	var reserved []domain.SerialLock

	for _, line := range sc.Lines {
		if !line.IsCoupon() {
			continue
		}
		parent, err := domain.ResolveParent(idx, line)
		if err != nil {
			return nil, domain.ValidationError("Coupon check failed", []string{err.Error()})
		}

		// 1. 父序列号必须能在激活服务中查到；没有订阅只是警告
		act := sc.Deps.Activation.GetActivationBySerial(sc.Ctx, sc.CorrelationID(), parent.SerialNumber)
		switch act.Outcome {
		case domain.OutcomeHardError:
			return nil, domain.ExternalError("Coupon check failed", act.Err, act.Raw)
		case domain.OutcomeSoftError:
			warnings = append(warnings, fmt.Sprintf("serial %s: %s %s", parent.SerialNumber, act.Code, act.Message))
		}

		// 2. 保留券序列号
		locks, err := sc.Deps.Locks.ReserveCoupons(sc.Ctx, line, parent.ArticleCode, line.Quantity)
		if err != nil {
			return nil, err
		}
		sc.AddCompensation(releaseKeys(sc, locks))
		reserved = append(reserved, locks...)
	}

	res := sc.success(fmt.Sprintf("order validated, %d coupon serials reserved", len(reserved)))
	for _, w := range warnings {
		res.AddMessage(domain.LevelWarning, w)
	}
	res.Details = lockDetails(reserved)
	return res, nil
}

func releaseKeys(sc *StepContext, locks []domain.SerialLock) func(ctx context.Context) {
	keys := make([]string, 0, len(locks))
	for _, l := range locks {
		keys = append(keys, l.Key())
	}
	return func(ctx context.Context) {
		if err := sc.Deps.Locks.Release(ctx, domain.OrderOwner(sc.OrderID), keys); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msgf("[Order: %d] compensation: release %d locks failed", sc.OrderID, len(keys))
		}
	}
}

// LockDetail 是返回给调用方的锁摘要
type LockDetail struct {
	SerialNumber string `json:"serialNumber"`
	Kind         string `json:"kind"`
	LineID       int64  `json:"lineId"`
	ArticleCode  string `json:"articleCode"`
}

func lockDetails(locks []domain.SerialLock) []LockDetail {
	out := make([]LockDetail, 0, len(locks))
	for _, l := range locks {
		out = append(out, LockDetail{SerialNumber: l.SerialNumber, Kind: string(l.Kind), LineID: l.LineID, ArticleCode: l.ArticleCode})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LineID != out[j].LineID {
			return out[i].LineID < out[j].LineID
		}
		return out[i].SerialNumber < out[j].SerialNumber
	})
	return out
}
