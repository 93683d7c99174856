package indicators

// SMA is the trailing simple moving average. Index i is defined from
// period-1 onward when values[i-period+1..i] are all defined.
func SMA(values []float64, period int) (Series, error) {
	if err := checkPeriod("sma", period); err != nil {
		return nil, err
	}
	out := undefinedSeries(len(values))
	sum := 0.0
	run := 0
	for i, v := range values {
		if !IsDefined(v) {
			sum, run = 0, 0
			continue
		}
		sum += v
		run++
		if run > period {
			sum -= values[i-period]
			run = period
		}
		if run == period {
			out[i] = sum / float64(period)
		}
	}
	return out, nil
}

// EMA seeds with the SMA of the first period values and then applies
// (v - prev) * 2/(period+1) + prev. A leading undefined prefix in values is
// skipped and the result is padded back to full length.
func EMA(values []float64, period int) (Series, error) {
	if err := checkPeriod("ema", period); err != nil {
		return nil, err
	}
	out := undefinedSeries(len(values))
	start := Series(values).FirstDefined()
	if start < 0 || len(values)-start < period {
		return out, nil
	}

	k := 2.0 / float64(period+1)
	seed := 0.0
	for i := start; i < start+period; i++ {
		seed += values[i]
	}
	prev := seed / float64(period)
	out[start+period-1] = prev
	for i := start + period; i < len(values); i++ {
		prev = (values[i]-prev)*k + prev
		out[i] = prev
	}
	return out, nil
}
