package timerlist

// timeAveragedStats keeps a time-decaying weighted average of sample values.
// Each call to updateAverage folds the pending batch of samples into the
// aggregate: the batch counts at full weight, the previous aggregate decays
// by persistenceFactor, and regressWeight pulls the result back toward
// initAvg when samples are sparse.
type timeAveragedStats struct {
	initAvg           float64
	regressWeight     float64
	persistenceFactor float64

	batchTotalValue float64
	batchNumSamples float64

	aggregateTotalWeight float64
	aggregateWeightedAvg float64
}

func newTimeAveragedStats(initAvg, regressWeight, persistenceFactor float64) timeAveragedStats {
	return timeAveragedStats{
		initAvg:              initAvg,
		regressWeight:        regressWeight,
		persistenceFactor:    persistenceFactor,
		aggregateWeightedAvg: initAvg,
	}
}

func (s *timeAveragedStats) addSample(value float64) {
	s.batchTotalValue += value
	s.batchNumSamples++
}

func (s *timeAveragedStats) updateAverage() float64 {
	weightedSum := s.batchTotalValue
	totalWeight := s.batchNumSamples
	if s.regressWeight > 0 {
		weightedSum += s.regressWeight * s.initAvg
		totalWeight += s.regressWeight
	}
	if s.persistenceFactor > 0 {
		prevSampleWeight := s.persistenceFactor * s.aggregateTotalWeight
		weightedSum += prevSampleWeight * s.aggregateWeightedAvg
		totalWeight += prevSampleWeight
	}
	if totalWeight > 0 {
		s.aggregateWeightedAvg = weightedSum / totalWeight
	} else {
		s.aggregateWeightedAvg = s.initAvg
	}
	s.aggregateTotalWeight = totalWeight
	s.batchTotalValue = 0
	s.batchNumSamples = 0
	return s.aggregateWeightedAvg
}
