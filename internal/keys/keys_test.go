package keys

import "testing"

func TestIndexKeyRoundTrip(t *testing.T) {
	tags := Tags{"host": "a", "region": "eu"}
	hashKey := IndexHashKey("nodomain", "cpu.load")
	rangeKey := IndexRangeKey(10000, tags)

	got, err := ParseIndexKey(hashKey, rangeKey)
	if err != nil {
		t.Fatal(err)
	}
	if got.Domain != "nodomain" || got.Metric != "cpu.load" {
		t.Fatalf("domain/metric = %q/%q", got.Domain, got.Metric)
	}
	if got.TBase != 10000 {
		t.Fatalf("TBase = %d, want 10000", got.TBase)
	}
	if got.Tags["host"] != "a" || got.Tags["region"] != "eu" {
		t.Fatalf("tags = %v", got.Tags)
	}
}

func TestIndexKeyRoundTripZeroTBase(t *testing.T) {
	rangeKey := IndexRangeKey(0, Tags{})
	got, err := ParseIndexKey(IndexHashKey("d", "m"), rangeKey)
	if err != nil {
		t.Fatal(err)
	}
	if got.TBase != 0 {
		t.Fatalf("TBase = %d, want 0", got.TBase)
	}
}

func TestIndexRangeKeyOrderingAcrossDigitCounts(t *testing.T) {
	// Before zero-padding, "9000" would sort after "10000" lexically even
	// though 9000 < 10000 numerically. The padded encoding must not.
	low := IndexRangeKey(9000, Tags{})
	high := IndexRangeKey(10000, Tags{})
	if !(low < high) {
		t.Fatalf("IndexRangeKey(9000) = %q, want it to sort before %q", low, high)
	}
}

func TestIndexRangeBoundsBracketAnyTagSuffix(t *testing.T) {
	lower := IndexRangeLowerBound(10000)
	upper := IndexRangeUpperBound(10000)
	withTags := IndexRangeKey(10000, Tags{"z": "zz"})

	if !(lower <= withTags) {
		t.Fatalf("lower bound %q is not <= %q", lower, withTags)
	}
	if !(withTags <= upper) {
		t.Fatalf("upper bound %q is not >= %q", upper, withTags)
	}
}

func TestTagsEncodeIsOrderIndependent(t *testing.T) {
	a := Tags{"b": "2", "a": "1"}
	b := Tags{"a": "1", "b": "2"}
	if a.encode() != b.encode() {
		t.Fatalf("encode() differs for the same tag set built in different orders: %q vs %q", a.encode(), b.encode())
	}
}

func TestParseIndexKeyMalformed(t *testing.T) {
	if _, err := ParseIndexKey("nodomain", "10000|"); err == nil {
		t.Fatal("err = nil, want malformed hash key error")
	}
	if _, err := ParseIndexKey("nodomain:cpu", "malformed"); err == nil {
		t.Fatal("err = nil, want malformed range key error")
	}
}

func TestDataPointsKeyRoutesToOwningBlock(t *testing.T) {
	ik := IndexKey{Domain: "d", Metric: "m", TBase: 20000, Tags: Tags{"host": "a"}}
	want := DataPointsHashKey("d", "m", 20000, Tags{"host": "a"})
	if got := ik.DataPointsKey(); got != want {
		t.Fatalf("DataPointsKey() = %q, want %q", got, want)
	}
}
