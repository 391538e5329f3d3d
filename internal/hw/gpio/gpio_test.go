package gpio

import "testing"

func TestNewDriver_Mock(t *testing.T) {
	drv, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(true): %v", err)
	}
	if _, ok := drv.(*MockDriver); !ok {
		t.Errorf("expected *MockDriver, got %T", drv)
	}
}

func TestMockDriver_PullUpReadsHigh(t *testing.T) {
	drv := &MockDriver{}
	if err := drv.SetupPin(26, InputPullUp); err != nil {
		t.Fatal(err)
	}
	level, err := drv.ReadPin(26)
	if err != nil {
		t.Fatal(err)
	}
	if level != High {
		t.Error("pull-up input should read High when undriven")
	}
}

func TestMockDriver_PlainInputReadsLow(t *testing.T) {
	drv := &MockDriver{}
	_ = drv.SetupPin(4, Input)
	if level, _ := drv.ReadPin(4); level != Low {
		t.Error("plain input should read Low when undriven")
	}
}

func TestMockDriver_SetLevel(t *testing.T) {
	drv := &MockDriver{}
	_ = drv.SetupPin(5, InputPullUp)
	drv.SetLevel(5, Low)
	if level, _ := drv.ReadPin(5); level != Low {
		t.Error("SetLevel(Low) not observed by ReadPin")
	}
	// SetupPin again must not reset a driven level
	_ = drv.SetupPin(5, InputPullUp)
	if level, _ := drv.ReadPin(5); level != Low {
		t.Error("re-setup should keep the driven level")
	}
}

func TestMockDriver_WriteReadBack(t *testing.T) {
	drv := &MockDriver{}
	_ = drv.SetupPin(17, Output)
	_ = drv.WritePin(17, High)
	if level, _ := drv.ReadPin(17); level != High {
		t.Error("written level should read back")
	}
	if err := drv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
