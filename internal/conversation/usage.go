package conversation

import "sync"

// Prices 是每百万单位的价格，单位美元。
type Prices struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// DefaultPrices 返回默认价格。
func DefaultPrices() Prices {
	return Prices{InputPerMillion: 2.0, OutputPerMillion: 8.0}
}

// Usage 是用量计数的快照，费用在读取时计算。
type Usage struct {
	InputUnits  int64   `json:"input_units"`
	OutputUnits int64   `json:"output_units"`
	TotalUnits  int64   `json:"total_units"`
	InputCost   float64 `json:"input_cost"`
	OutputCost  float64 `json:"output_cost"`
	TotalCost   float64 `json:"total_cost"`
}

// Sub 返回两个快照之间的增量。
func (u Usage) Sub(prev Usage) Usage {
	return Usage{
		InputUnits:  u.InputUnits - prev.InputUnits,
		OutputUnits: u.OutputUnits - prev.OutputUnits,
		TotalUnits:  u.TotalUnits - prev.TotalUnits,
		InputCost:   u.InputCost - prev.InputCost,
		OutputCost:  u.OutputCost - prev.OutputCost,
		TotalCost:   u.TotalCost - prev.TotalCost,
	}
}

// UsageCounter 累计输入与输出单位。
type UsageCounter struct {
	mu     sync.Mutex
	input  int64
	output int64
	prices Prices
}

// NewUsageCounter 以给定价格创建计数器。
func NewUsageCounter(prices Prices) *UsageCounter {
	return &UsageCounter{prices: prices}
}

// Add 累加一次调用报告的用量，负数会被忽略。
func (c *UsageCounter) Add(input, output int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if input > 0 {
		c.input += input
	}
	if output > 0 {
		c.output += output
	}
}

// Snapshot 返回当前用量与费用。
func (c *UsageCounter) Snapshot() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	inCost := float64(c.input) / 1_000_000 * c.prices.InputPerMillion
	outCost := float64(c.output) / 1_000_000 * c.prices.OutputPerMillion
	return Usage{
		InputUnits:  c.input,
		OutputUnits: c.output,
		TotalUnits:  c.input + c.output,
		InputCost:   inCost,
		OutputCost:  outCost,
		TotalCost:   inCost + outCost,
	}
}

// Reset 清零。
func (c *UsageCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input, c.output = 0, 0
}
