package htlcswap

import "time"

// isSafeToFund reports whether there is still enough slack before
// betaExpiry, at the given margin, to safely broadcast a forward-path
// funding transaction.
func isSafeToFund(now, betaExpiry time.Time, margin time.Duration) bool {
	return now.Add(margin).Before(betaExpiry)
}

// isSafeToRedeem is the pre-beta_redeem gate. beta_redeem is the point of
// no return — once broadcast, the secret is extractable by the counterparty
// from chain data — so this gate must be strictly stronger than
// isSafeToFund: it requires a larger margin (the caller supplies a margin
// already widened relative to the fund-path margin; see
// redeemMargin).
func isSafeToRedeem(now, betaExpiry time.Time, margin time.Duration) bool {
	return now.Add(margin).Before(betaExpiry)
}

// redeemMargin strengthens a base safety margin for the beta_redeem gate,
// per spec.md §4.4 ("the pre-beta_redeem safety gate must be strictly
// stronger than the pre-alpha_fund gate"). Doubling is a conservative,
// simple relationship that preserves "strictly stronger" for any positive
// base margin.
func redeemMargin(base time.Duration) time.Duration {
	return 2 * base
}
