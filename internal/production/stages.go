package production

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/cleaning"
	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/shared"
	"github.com/flourmill/flourmill/internal/transfer"
)

// StageResult is what a stage command changed.
type StageResult struct {
	Order     Order               `json:"order"`
	Job       Job                 `json:"job"`
	Process   *cleaning.Process   `json:"cleaning_process,omitempty"`
	Grinding  *GrindingSession    `json:"grinding_session,omitempty"`
	Packaging []PackagingRecord   `json:"packaging,omitempty"`
	Transfers []transfer.Transfer `json:"transfers,omitempty"`
}

const refModule = "production"

// StartStage opens a job for stage on the order once its predecessor is done.
// An order runs one job at a time; transfer and grinding also run for one
// order at a time mill-wide.
func (s *Service) StartStage(ctx context.Context, orderID int64, stage Stage, in StartStageInput) (StageResult, error) {
	if !stage.Valid() {
		return StageResult{}, fmt.Errorf("%w %q", ErrUnknownStage, stage)
	}
	var res StageResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderState, o.OrderNumber, o.Status)
		}
		if stage == StageTransfer || stage == StageGrinding {
			if job, busy, err := tx.RunningJob(ctx, stage); err != nil {
				return err
			} else if busy {
				return fmt.Errorf("%w: %s runs for order %d", ErrStageBusy, stage, job.OrderID)
			}
		}
		now := s.clock()
		switch stage {
		case StageTransfer:
			err = s.startTransfer(ctx, tx, &o, in, now, &res)
		case StageCleaning24h:
			err = s.startCleaning(ctx, tx, &o, ledger.Class24h, in, now, &res)
		case StageCleaning12h:
			err = s.startCleaning(ctx, tx, &o, ledger.Class12h, in, now, &res)
		case StageGrinding:
			err = s.startGrinding(ctx, tx, &o, now, &res)
		case StagePacking:
			err = s.startPacking(ctx, tx, &o, now, &res)
		}
		if err != nil {
			return err
		}
		o.UpdatedAt = now
		res.Order = o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return StageResult{}, err
	}
	s.record(ctx, "production:stage_start", res.Order, map[string]any{"stage": string(stage), "job_id": res.Job.ID})
	return res, nil
}

// CompleteStage closes the running job of stage and records its outputs.
func (s *Service) CompleteStage(ctx context.Context, orderID int64, stage Stage, in CompleteStageInput) (StageResult, error) {
	if !stage.Valid() {
		return StageResult{}, fmt.Errorf("%w %q", ErrUnknownStage, stage)
	}
	if stage == StagePacking && in.ProductID != 0 && s.registry != nil {
		if _, err := s.registry.GetProduct(ctx, in.ProductID); err != nil {
			return StageResult{}, err
		}
	}
	var res StageResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		job, running, err := tx.RunningJobForOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if !running || job.Stage != stage {
			return fmt.Errorf("%w: order %s has no running %s job", ErrOrderState, o.OrderNumber, stage)
		}
		now := s.clock()
		switch stage {
		case StageCleaning24h:
			err = s.completeCleaning(ctx, tx, &o, ledger.Class24h, in, now, &res)
		case StageCleaning12h:
			err = s.completeCleaning(ctx, tx, &o, ledger.Class12h, in, now, &res)
		case StageGrinding:
			err = s.completeGrinding(ctx, tx, &o, in, now, &res)
		case StagePacking:
			err = s.completePacking(ctx, tx, &o, in, now, &res)
		}
		if err != nil {
			return err
		}
		job.Status = JobCompleted
		job.CompletedAt = &now
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		res.Job = job
		o.UpdatedAt = now
		res.Order = o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return StageResult{}, err
	}
	s.record(ctx, "production:stage_complete", res.Order, map[string]any{"stage": string(stage), "job_id": res.Job.ID})
	return res, nil
}

func (s *Service) openJob(ctx context.Context, tx TxRepository, o Order, stage Stage, binID int64, now time.Time) (Job, error) {
	if job, busy, err := tx.RunningJobForOrder(ctx, o.ID); err != nil {
		return Job{}, err
	} else if busy {
		return Job{}, fmt.Errorf("%w: order %s is running %s", ErrStageBusy, o.OrderNumber, job.Stage)
	}
	j := Job{
		OrderID:   o.ID,
		Stage:     stage,
		Status:    JobRunning,
		Operator:  shared.OperatorFromContext(ctx),
		StartedAt: now,
	}
	if binID != 0 {
		j.BinID = &binID
	}
	id, err := tx.InsertJob(ctx, j)
	if err != nil {
		return Job{}, err
	}
	j.ID = id
	return j, nil
}

// startTransfer moves wheat from a godown into a pre-cleaning bin for the order.
func (s *Service) startTransfer(ctx context.Context, tx TxRepository, o *Order, in StartStageInput, now time.Time, res *StageResult) error {
	if o.Status != OrderPending && o.Status != OrderPlanned {
		return fmt.Errorf("%w: order %s is %s", ErrOrderState, o.OrderNumber, o.Status)
	}
	job, err := s.openJob(ctx, tx, *o, StageTransfer, in.DestID, now)
	if err != nil {
		return err
	}
	moved, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
		Leg:         transfer.LegGodownToPrecleaning,
		SourceID:    in.SourceID,
		DestID:      in.DestID,
		Qty:         in.QuantityKg,
		EvidenceRef: in.EvidenceRef,
		RefModule:   refModule,
		RefID:       o.ID,
	})
	if err != nil {
		return err
	}
	res.Job = job
	res.Transfers = moved
	return nil
}

// startCleaning fills the chosen bin and starts its timed process. The 24h
// stage and a 12h stage without a 24h predecessor draw the plan shares from
// the pre-cleaning bins; a 12h stage after a 24h one takes the whole 24h bin.
func (s *Service) startCleaning(ctx context.Context, tx TxRepository, o *Order, class ledger.CleaningClass, in StartStageInput, now time.Time, res *StageResult) error {
	stage, next := StageCleaning24h, OrderCleaning24h
	if class == ledger.Class12h {
		stage, next = StageCleaning12h, OrderCleaning12h
	}
	fromPlan := class == ledger.Class24h || !o.Requires24h
	switch {
	case class == ledger.Class24h && !o.Requires24h, class == ledger.Class12h && !o.Requires12h:
		return fmt.Errorf("%w: order %s skips %s", ErrOrderState, o.OrderNumber, stage)
	case fromPlan && o.Status != OrderPlanned:
		return fmt.Errorf("%w: order %s is %s", ErrOrderState, o.OrderNumber, o.Status)
	case !fromPlan && o.Status != OrderCleaning24h:
		return fmt.Errorf("%w: order %s is %s, 24h cleaning has not run", ErrPredecessor, o.OrderNumber, o.Status)
	}
	if in.BinID <= 0 {
		return fmt.Errorf("%w: bin_id required", shared.ErrValidation)
	}

	var (
		plan Plan
		prev cleaning.Process
		ids  = []int64{in.BinID}
	)
	if fromPlan {
		var ok bool
		var err error
		plan, ok, err = tx.LockPlan(ctx, o.ID)
		if err != nil {
			return err
		}
		if !ok || !plan.Locked {
			return fmt.Errorf("%w: order %s has no locked plan", ErrOrderState, o.OrderNumber)
		}
		for _, it := range plan.Items {
			ids = append(ids, it.BinID)
		}
	} else {
		var ok bool
		var err error
		prev, ok, err = tx.LatestProcess(ctx, o.ID, ledger.Class24h)
		if err != nil {
			return err
		}
		if !ok || prev.Status != cleaning.StatusCompleted {
			return fmt.Errorf("%w: 24h cleaning of order %s is not completed", ErrPredecessor, o.OrderNumber)
		}
		ids = append(ids, prev.BinID)
	}

	locs, err := tx.LockLocations(ctx, ledger.SortedIDs(ids...))
	if err != nil {
		return err
	}
	bin := locs[in.BinID]
	if bin.Kind != ledger.KindCleaningBin || bin.CleaningClass != class {
		return fmt.Errorf("%w: %s is not a %s cleaning bin", ErrBinClass, bin.Name, class)
	}
	if _, busy, err := tx.RunningProcessForBin(ctx, bin.ID); err != nil {
		return err
	} else if busy {
		return fmt.Errorf("%w: bin %s", cleaning.ErrBinBusy, bin.Name)
	}

	var (
		moves []transfer.ExecuteInput
		qty   decimal.Decimal
	)
	if fromPlan {
		if _, err := ledger.ReleaseOwnerTx(ctx, tx, plan.Owner()); err != nil {
			return err
		}
		for _, it := range plan.Items {
			moves = append(moves, transfer.ExecuteInput{
				Leg:         transfer.LegPrecleaningToCleaning,
				SourceID:    it.BinID,
				DestID:      bin.ID,
				Qty:         it.ComputedKg,
				EvidenceRef: in.EvidenceRef,
				RefModule:   refModule,
				RefID:       o.ID,
			})
			qty = qty.Add(it.ComputedKg)
		}
	} else {
		qty = locs[prev.BinID].StockKg
		moves = append(moves, transfer.ExecuteInput{
			Leg:         transfer.LegCleaningToCleaning,
			SourceID:    prev.BinID,
			DestID:      bin.ID,
			Qty:         qty,
			EvidenceRef: in.EvidenceRef,
			RefModule:   refModule,
			RefID:       o.ID,
		})
	}
	moved, err := transfer.ExecuteTx(ctx, tx, moves...)
	if err != nil {
		return err
	}

	job, err := s.openJob(ctx, tx, *o, stage, bin.ID, now)
	if err != nil {
		return err
	}
	p, err := cleaning.StartTx(ctx, tx, cleaning.StartInput{
		OrderID:        o.ID,
		JobID:          job.ID,
		BinID:          bin.ID,
		Class:          class,
		QuantityKg:     qty,
		StartTS:        now,
		MachineName:    in.MachineName,
		Operator:       job.Operator,
		MoistureBefore: in.MoistureBefore,
		TargetMoisture: in.TargetMoisture,
	})
	if err != nil {
		return err
	}
	if _, err := ledger.SetStatusTx(ctx, tx, bin.ID, ledger.StatusCleaning); err != nil {
		return err
	}
	o.Status = next
	res.Job = job
	res.Process = &p
	res.Transfers = moved
	return nil
}

func (s *Service) completeCleaning(ctx context.Context, tx TxRepository, o *Order, class ledger.CleaningClass, in CompleteStageInput, now time.Time, res *StageResult) error {
	p, ok, err := tx.LatestProcess(ctx, o.ID, class)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order %s has no %s process", cleaning.ErrProcessNotFound, o.OrderNumber, class)
	}
	p, err = cleaning.CompleteTx(ctx, tx, p.ID, now, cleaning.CompleteInput{
		MoistureAfter: in.MoistureAfter,
		WaterAddedL:   in.WaterAddedL,
		WasteKg:       in.WasteKg,
	})
	if err != nil {
		return err
	}
	if _, err := ledger.SetStatusTx(ctx, tx, p.BinID, ledger.StatusCompleted); err != nil {
		return err
	}
	res.Process = &p
	return nil
}

// lastCleaning returns the class of the final cleaning the order needs and the
// order status that stage leaves it in.
func lastCleaning(o Order) (ledger.CleaningClass, OrderStatus) {
	if o.Requires12h {
		return ledger.Class12h, OrderCleaning12h
	}
	return ledger.Class24h, OrderCleaning24h
}

func (s *Service) startGrinding(ctx context.Context, tx TxRepository, o *Order, now time.Time, res *StageResult) error {
	class, want := lastCleaning(*o)
	if o.Status != want {
		return fmt.Errorf("%w: order %s is %s", ErrPredecessor, o.OrderNumber, o.Status)
	}
	p, ok, err := tx.LatestProcess(ctx, o.ID, class)
	if err != nil {
		return err
	}
	if !ok || p.Status != cleaning.StatusCompleted {
		return fmt.Errorf("%w: %s cleaning of order %s is not completed", ErrPredecessor, class, o.OrderNumber)
	}
	bin, err := ledger.LockOne(ctx, tx, p.BinID)
	if err != nil {
		return err
	}
	if !bin.StockKg.IsPositive() {
		return fmt.Errorf("%w: bin %s is empty", shared.ErrInvariantViolation, bin.Name)
	}
	job, err := s.openJob(ctx, tx, *o, StageGrinding, bin.ID, now)
	if err != nil {
		return err
	}
	g := GrindingSession{
		OrderID:           o.ID,
		JobID:             job.ID,
		CleaningProcessID: p.ID,
		InputKg:           bin.StockKg,
		Target:            s.cfg.MainTarget,
		Tolerance:         s.cfg.Tolerance,
		Status:            JobRunning,
		StartedAt:         now,
	}
	if g.ID, err = tx.InsertGrinding(ctx, g); err != nil {
		return err
	}
	o.Status = OrderGrinding
	res.Job = job
	res.Grinding = &g
	return nil
}

// Yield returns the main and bran shares of input and whether the main share
// fell below target minus tolerance.
func Yield(input, mainKg, branKg, target, tolerance decimal.Decimal) (mainPct, branPct decimal.Decimal, alert bool) {
	if !input.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	mainPct = mainKg.Div(input).Round(4)
	branPct = branKg.Div(input).Round(4)
	return mainPct, branPct, mainPct.LessThan(target.Sub(tolerance))
}

func (s *Service) completeGrinding(ctx context.Context, tx TxRepository, o *Order, in CompleteStageInput, now time.Time, res *StageResult) error {
	g, ok, err := tx.LatestGrinding(ctx, o.ID)
	if err != nil {
		return err
	}
	if !ok || g.Status != JobRunning {
		return fmt.Errorf("%w: order %s has no running grinding session", ErrOrderState, o.OrderNumber)
	}
	mainKg, branKg := ledger.Round(in.MainKg), ledger.Round(in.BranKg)
	if mainKg.IsNegative() || branKg.IsNegative() {
		return fmt.Errorf("%w: main and bran must not be negative", shared.ErrValidation)
	}
	if mainKg.Add(branKg).GreaterThan(g.InputKg) {
		return fmt.Errorf("%w: %s + %s kg from %s kg", ErrOutputExceedsInput, mainKg, branKg, g.InputKg)
	}
	p, err := tx.LockProcess(ctx, g.CleaningProcessID)
	if err != nil {
		return err
	}
	moved, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
		Leg:       transfer.LegCleaningToGrinding,
		SourceID:  p.BinID,
		Qty:       g.InputKg,
		RefModule: refModule,
		RefID:     o.ID,
	})
	if err != nil {
		return err
	}
	mainPct, branPct, alert := Yield(g.InputKg, mainKg, branKg, g.Target, g.Tolerance)
	g.MainKg, g.BranKg = &mainKg, &branKg
	g.MainPercentage, g.BranPercentage = &mainPct, &branPct
	g.BranAlert = alert
	g.B1ScaleOperator = in.B1ScaleOperator
	g.B1ScaleWeightKg = in.B1ScaleWeightKg
	g.Status = JobCompleted
	g.CompletedAt = &now
	if err := tx.UpdateGrinding(ctx, g); err != nil {
		return err
	}
	if alert {
		s.logger.Warn("grinding yield below target",
			slog.String("order", o.OrderNumber),
			slog.String("main_percentage", mainPct.String()),
			slog.String("target", g.Target.String()),
		)
	}
	res.Grinding = &g
	res.Transfers = moved
	return nil
}

func (s *Service) startPacking(ctx context.Context, tx TxRepository, o *Order, now time.Time, res *StageResult) error {
	if o.Status != OrderGrinding {
		return fmt.Errorf("%w: order %s is %s", ErrPredecessor, o.OrderNumber, o.Status)
	}
	g, ok, err := tx.LatestGrinding(ctx, o.ID)
	if err != nil {
		return err
	}
	if !ok || g.Status != JobCompleted {
		return fmt.Errorf("%w: grinding of order %s is not completed", ErrPredecessor, o.OrderNumber)
	}
	job, err := s.openJob(ctx, tx, *o, StagePacking, 0, now)
	if err != nil {
		return err
	}
	res.Job = job
	return nil
}

func (s *Service) completePacking(ctx context.Context, tx TxRepository, o *Order, in CompleteStageInput, now time.Time, res *StageResult) error {
	if in.StorageAreaID <= 0 {
		return fmt.Errorf("%w: storage_area_id required", shared.ErrValidation)
	}
	if len(in.Lines) == 0 {
		return fmt.Errorf("%w: at least one bag line required", shared.ErrValidation)
	}
	productID := in.ProductID
	if productID == 0 {
		productID = o.ProductID
	}
	g, ok, err := tx.LatestGrinding(ctx, o.ID)
	if err != nil {
		return err
	}
	if !ok || g.MainKg == nil {
		return fmt.Errorf("%w: grinding of order %s is not completed", ErrPredecessor, o.OrderNumber)
	}
	total := decimal.Zero
	moves := make([]transfer.ExecuteInput, 0, len(in.Lines))
	for _, line := range in.Lines {
		if !validBag(line.BagWeightKg) {
			return fmt.Errorf("%w: got %d", ErrBagWeight, line.BagWeightKg)
		}
		if line.BagCount <= 0 {
			return fmt.Errorf("%w: bag_count must be positive", shared.ErrValidation)
		}
		kg := decimal.NewFromInt(int64(line.BagWeightKg * line.BagCount))
		total = total.Add(kg)
		moves = append(moves, transfer.ExecuteInput{
			Leg:       transfer.LegPackagingToStorage,
			DestID:    in.StorageAreaID,
			Qty:       kg,
			RefModule: refModule,
			RefID:     o.ID,
		})
	}
	if total.GreaterThan(*g.MainKg) {
		return fmt.Errorf("%w: packing %s kg from %s kg of flour", ErrOutputExceedsInput, total, *g.MainKg)
	}
	moved, err := transfer.ExecuteTx(ctx, tx, moves...)
	if err != nil {
		return err
	}
	operator := shared.OperatorFromContext(ctx)
	for i, line := range in.Lines {
		rec := PackagingRecord{
			OrderID:       o.ID,
			ProductID:     productID,
			StorageAreaID: in.StorageAreaID,
			BagWeightKg:   line.BagWeightKg,
			BagCount:      line.BagCount,
			TotalKg:       moves[i].Qty,
			Operator:      operator,
			PackedAt:      now,
		}
		if rec.ID, err = tx.InsertPackaging(ctx, rec); err != nil {
			return err
		}
		if _, err := tx.InsertFinishedGoods(ctx, FinishedGoods{
			PackagingRecordID: rec.ID,
			ProductID:         productID,
			StorageAreaID:     in.StorageAreaID,
			QuantityKg:        rec.TotalKg,
			CreatedAt:         now,
		}); err != nil {
			return err
		}
		res.Packaging = append(res.Packaging, rec)
	}
	o.Status = OrderPacked
	res.Transfers = moved
	return nil
}
