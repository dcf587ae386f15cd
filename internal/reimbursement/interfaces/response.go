package interfaces

import (
	"time"

	"charging-refund/internal/reimbursement/application"
	reimbursement "charging-refund/internal/reimbursement/domain"
)

// Money leaves this package rounded to whole øre. Totals are rounded from
// the unrounded sums, never summed from rounded parts.

type costResponse struct {
	EnergyNok  float64 `json:"energy_nok"`
	NettNok    float64 `json:"nett_nok"`
	SupportNok float64 `json:"support_nok"`
	RefundNok  float64 `json:"refund_nok"`
}

type windowResponse struct {
	Name            string  `json:"name"`
	EnergyNokPerKwh float64 `json:"energy_nok_per_kwh"`
	TimeNokPerKwh   float64 `json:"time_nok_per_kwh"`
}

type bitResponse struct {
	LocalHour            string          `json:"local_hour"`
	KWh                  float64         `json:"kwh"`
	SpotPricePerKwhExVat float64         `json:"spot_price_nok_per_kwh_ex_vat"`
	PriceMissing         bool            `json:"price_missing,omitempty"`
	Window               *windowResponse `json:"window,omitempty"`
	SettingsID           string          `json:"settings_id"`
	Cost                 costResponse    `json:"cost"`
}

type sessionResponse struct {
	ID          string        `json:"id,omitempty"`
	Start       string        `json:"start"`
	End         string        `json:"end"`
	KWh         float64       `json:"kwh"`
	SettingsIDs []string      `json:"settings_ids"`
	Cost        costResponse  `json:"cost"`
	Bits        []bitResponse `json:"bits,omitempty"`
}

type effectMonthResponse struct {
	Month           string  `json:"month"`
	SettingsID      string  `json:"settings_id"`
	MaxSessionKWh   float64 `json:"max_session_kwh"`
	EstimatedPeakKW float64 `json:"estimated_peak_kw"`
	TierID          string  `json:"effect_tier_id,omitempty"`
	FeeNok          float64 `json:"fee_nok"`
}

type summaryResponse struct {
	SessionCount    int                   `json:"session_count"`
	SkippedCount    int                   `json:"skipped_count"`
	TotalKWh        float64               `json:"total_kwh"`
	EnergyNok       float64               `json:"energy_nok"`
	NettNok         float64               `json:"nett_nok"`
	SupportNok      float64               `json:"support_nok"`
	EffectNok       float64               `json:"effect_nok"`
	RefundNok       float64               `json:"refund_nok"`
	MaxSessionKWh   float64               `json:"max_session_kwh"`
	EstimatedPeakKW float64               `json:"estimated_peak_kw"`
	EffectMonths    []effectMonthResponse `json:"effect_months"`
}

type analyzeResponse struct {
	RunID        string                         `json:"run_id"`
	EmployeeID   string                         `json:"employee_id"`
	Sessions     []sessionResponse              `json:"sessions"`
	Summary      summaryResponse                `json:"summary"`
	Snapshots    []reimbursement.PolicySnapshot `json:"snapshots"`
	Warnings     []string                       `json:"warnings"`
	MissingHours []string                       `json:"missing_hours"`
}

func toResponse(runID string, a *application.Analysis, loc *time.Location) analyzeResponse {
	resp := analyzeResponse{
		RunID:        runID,
		EmployeeID:   a.EmployeeID,
		Sessions:     make([]sessionResponse, 0, len(a.Sessions)),
		Snapshots:    make([]reimbursement.PolicySnapshot, 0, len(a.Snapshots)),
		Warnings:     append([]string{}, a.Warnings...),
		MissingHours: append([]string{}, a.MissingHours...),
	}
	for _, s := range a.Sessions {
		session := sessionResponse{
			ID:          s.ID,
			Start:       s.Start.In(loc).Format(time.RFC3339),
			End:         s.End.In(loc).Format(time.RFC3339),
			KWh:         s.KWh,
			SettingsIDs: s.SettingsIDs,
			Cost:        toCost(s.Cost),
		}
		for _, b := range s.Bits {
			bit := bitResponse{
				LocalHour:            b.LocalHour.Format(time.RFC3339),
				KWh:                  b.KWh,
				SpotPricePerKwhExVat: b.SpotPricePerKwhExVat,
				PriceMissing:         b.PriceMissing,
				SettingsID:           b.SettingsID,
				Cost:                 toCost(b.Cost),
			}
			if b.Window != nil {
				bit.Window = &windowResponse{
					Name:            b.Window.Name,
					EnergyNokPerKwh: b.Window.EnergyNokPerKwh,
					TimeNokPerKwh:   b.Window.TimeNokPerKwh,
				}
			}
			session.Bits = append(session.Bits, bit)
		}
		resp.Sessions = append(resp.Sessions, session)
	}

	sum := a.Summary
	resp.Summary = summaryResponse{
		SessionCount:    sum.SessionCount,
		SkippedCount:    sum.SkippedCount,
		TotalKWh:        sum.TotalKWh,
		EnergyNok:       reimbursement.RoundNok(sum.TotalEnergyNok),
		NettNok:         reimbursement.RoundNok(sum.TotalNettNok),
		SupportNok:      reimbursement.RoundNok(sum.TotalSupportNok),
		EffectNok:       reimbursement.RoundNok(sum.TotalEffectNok),
		RefundNok:       reimbursement.RoundNok(sum.TotalRefundNok()),
		MaxSessionKWh:   sum.MaxSessionKWh,
		EstimatedPeakKW: sum.EstimatedPeakKW,
		EffectMonths:    make([]effectMonthResponse, 0, len(sum.EffectMonths)),
	}
	for _, m := range sum.EffectMonths {
		resp.Summary.EffectMonths = append(resp.Summary.EffectMonths, effectMonthResponse{
			Month:           m.Month,
			SettingsID:      m.SettingsID,
			MaxSessionKWh:   m.MaxSessionKWh,
			EstimatedPeakKW: m.EstimatedPeakKW,
			TierID:          m.TierID,
			FeeNok:          reimbursement.RoundNok(m.FeeNok),
		})
	}
	for _, snap := range a.Snapshots {
		snap.EffectFeeNok = reimbursement.RoundNok(snap.EffectFeeNok)
		resp.Snapshots = append(resp.Snapshots, snap)
	}
	return resp
}

func toCost(c reimbursement.Cost) costResponse {
	return costResponse{
		EnergyNok:  reimbursement.RoundNok(c.EnergyNok),
		NettNok:    reimbursement.RoundNok(c.NettNok),
		SupportNok: reimbursement.RoundNok(c.SupportNok),
		RefundNok:  reimbursement.RoundNok(c.Refund()),
	}
}
