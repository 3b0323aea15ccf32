package bitstream

import (
	"fmt"
)

// Профили H.264 с расширенным chroma/bit-depth синтаксисом в SPS
// (ISO/IEC 14496-10 Section 7.3.2.1.1)
var highProfiles = map[uint32]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true, 135: true,
}

// Значения, принудительно записываемые в блок bitstream_restriction.
// Сервер требует поток без переупорядочивания кадров (низкая задержка),
// поэтому max_num_reorder_frames всегда 0. Для произвольных энкодеров это
// допущение совместимости, а не требование стандарта H.264.
const (
	forcedMaxBytesPerPicDenom      = 2
	forcedMaxBitsPerMbDenom        = 1
	forcedLog2MaxMvLengthHorizonal = 16
	forcedLog2MaxMvLengthVertical  = 16
	forcedMaxNumReorderFrames      = 0
)

// RewriteSPS переписывает H.264 Sequence Parameter Set NAL так, чтобы
// VUI параметры всегда присутствовали, а блок bitstream_restriction
// содержал фиксированные значения для потока с низкой задержкой.
//
// Все остальные поля SPS копируются без изменений, кроме
// video_signal_type (и вложенного colour_description): эти подполя
// читаются для сохранения позиции курсора, но в выходной поток не
// попадают (записывается один выключенный флаг).
//
// При усеченном или некорректном SPS возвращается ошибка; вызывающая
// сторона должна использовать исходный NAL без изменений.
func RewriteSPS(nal []byte) ([]byte, error) {
	if len(nal) < 4 {
		return nil, fmt.Errorf("bitstream: SPS NAL слишком короткий (%d байт)", len(nal))
	}

	r := NewReader(nal)
	w := NewWriter()

	// Заголовок NAL (forbidden_zero_bit, nal_ref_idc, nal_unit_type)
	if err := copyBits(r, w, 8); err != nil {
		return nil, err
	}

	profileIDC, err := copyBitsV(r, w, 8)
	if err != nil {
		return nil, err
	}
	// constraint_set флаги + reserved_zero_2bits + level_idc
	if err := copyBits(r, w, 16); err != nil {
		return nil, err
	}
	// seq_parameter_set_id
	if err := copyUE(r, w); err != nil {
		return nil, err
	}

	if highProfiles[profileIDC] {
		chromaFormatIDC, cerr := copyUEV(r, w)
		if cerr != nil {
			return nil, cerr
		}
		if chromaFormatIDC == 3 {
			// separate_colour_plane_flag
			if err = copyBits(r, w, 1); err != nil {
				return nil, err
			}
		}
		// bit_depth_luma_minus8, bit_depth_chroma_minus8
		if err = copyUE(r, w); err != nil {
			return nil, err
		}
		if err = copyUE(r, w); err != nil {
			return nil, err
		}
		// qpprime_y_zero_transform_bypass_flag
		if err = copyBits(r, w, 1); err != nil {
			return nil, err
		}
		scalingMatrixPresent, serr := copyBitsV(r, w, 1)
		if serr != nil {
			return nil, serr
		}
		if scalingMatrixPresent == 1 {
			listCount := 8
			if chromaFormatIDC == 3 {
				listCount = 12
			}
			for i := 0; i < listCount; i++ {
				present, perr := copyBitsV(r, w, 1)
				if perr != nil {
					return nil, perr
				}
				if present == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err = copyScalingList(r, w, size); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	// log2_max_frame_num_minus4
	if err = copyUE(r, w); err != nil {
		return nil, err
	}

	picOrderCntType, err := copyUEV(r, w)
	if err != nil {
		return nil, err
	}
	switch picOrderCntType {
	case 0:
		// log2_max_pic_order_cnt_lsb_minus4
		if err = copyUE(r, w); err != nil {
			return nil, err
		}
	case 1:
		// delta_pic_order_always_zero_flag
		if err = copyBits(r, w, 1); err != nil {
			return nil, err
		}
		// offset_for_non_ref_pic, offset_for_top_to_bottom_field
		if err = copySE(r, w); err != nil {
			return nil, err
		}
		if err = copySE(r, w); err != nil {
			return nil, err
		}
		numRefFramesInCycle, nerr := copyUEV(r, w)
		if nerr != nil {
			return nil, nerr
		}
		for i := uint32(0); i < numRefFramesInCycle; i++ {
			if err = copySE(r, w); err != nil {
				return nil, err
			}
		}
	}

	// max_num_ref_frames: значение нужно ниже для max_dec_frame_buffering
	maxNumRefFrames, err := copyUEV(r, w)
	if err != nil {
		return nil, err
	}

	// gaps_in_frame_num_value_allowed_flag
	if err = copyBits(r, w, 1); err != nil {
		return nil, err
	}
	// pic_width_in_mbs_minus1, pic_height_in_map_units_minus1
	if err = copyUE(r, w); err != nil {
		return nil, err
	}
	if err = copyUE(r, w); err != nil {
		return nil, err
	}

	frameMbsOnly, err := copyBitsV(r, w, 1)
	if err != nil {
		return nil, err
	}
	if frameMbsOnly == 0 {
		// mb_adaptive_frame_field_flag
		if err = copyBits(r, w, 1); err != nil {
			return nil, err
		}
	}
	// direct_8x8_inference_flag
	if err = copyBits(r, w, 1); err != nil {
		return nil, err
	}

	croppingFlag, err := copyBitsV(r, w, 1)
	if err != nil {
		return nil, err
	}
	if croppingFlag == 1 {
		for i := 0; i < 4; i++ {
			if err = copyUE(r, w); err != nil {
				return nil, err
			}
		}
	}

	// vui_parameters_present_flag: в выходном потоке VUI присутствует всегда
	vuiPresent, err := r.ReadBits(1)
	if err != nil {
		return nil, err
	}
	w.WriteBit(1)

	if vuiPresent == 1 {
		if err = rewriteVUI(r, w, maxNumRefFrames); err != nil {
			return nil, err
		}
	} else {
		// Исходный SPS без VUI: все подблоки отсутствуют, пишем только
		// принудительный bitstream_restriction
		for i := 0; i < 8; i++ {
			w.WriteBit(0)
		}
		writeForcedBitstreamRestriction(w, maxNumRefFrames)
	}

	w.WriteTrailingBits()
	return w.Bytes(), nil
}

// rewriteVUI копирует VUI блок, отбрасывая video_signal_type и заменяя
// bitstream_restriction принудительными значениями
func rewriteVUI(r *Reader, w *Writer, maxNumRefFrames uint32) error {
	// aspect_ratio_info
	aspectPresent, err := copyBitsV(r, w, 1)
	if err != nil {
		return err
	}
	if aspectPresent == 1 {
		idc, aerr := copyBitsV(r, w, 8)
		if aerr != nil {
			return aerr
		}
		if idc == 255 { // Extended_SAR
			if err = copyBits(r, w, 32); err != nil {
				return err
			}
		}
	}

	// overscan_info
	overscanPresent, err := copyBitsV(r, w, 1)
	if err != nil {
		return err
	}
	if overscanPresent == 1 {
		if err = copyBits(r, w, 1); err != nil {
			return err
		}
	}

	// video_signal_type: читаем для выравнивания курсора, но не копируем
	videoSignalPresent, err := r.ReadBits(1)
	if err != nil {
		return err
	}
	w.WriteBit(0)
	if videoSignalPresent == 1 {
		// video_format + video_full_range_flag
		if _, err = r.ReadBits(4); err != nil {
			return err
		}
		colourPresent, cerr := r.ReadBits(1)
		if cerr != nil {
			return cerr
		}
		if colourPresent == 1 {
			// colour_primaries, transfer_characteristics, matrix_coefficients
			if _, err = r.ReadBits(24); err != nil {
				return err
			}
		}
	}

	// chroma_loc_info
	chromaLocPresent, err := copyBitsV(r, w, 1)
	if err != nil {
		return err
	}
	if chromaLocPresent == 1 {
		if err = copyUE(r, w); err != nil {
			return err
		}
		if err = copyUE(r, w); err != nil {
			return err
		}
	}

	// timing_info
	timingPresent, err := copyBitsV(r, w, 1)
	if err != nil {
		return err
	}
	if timingPresent == 1 {
		// num_units_in_tick, time_scale, fixed_frame_rate_flag
		if err = copyBits(r, w, 32); err != nil {
			return err
		}
		if err = copyBits(r, w, 32); err != nil {
			return err
		}
		if err = copyBits(r, w, 1); err != nil {
			return err
		}
	}

	nalHrdPresent, err := copyBitsV(r, w, 1)
	if err != nil {
		return err
	}
	if nalHrdPresent == 1 {
		if err = copyHRD(r, w); err != nil {
			return err
		}
	}
	vclHrdPresent, err := copyBitsV(r, w, 1)
	if err != nil {
		return err
	}
	if vclHrdPresent == 1 {
		if err = copyHRD(r, w); err != nil {
			return err
		}
	}
	if nalHrdPresent == 1 || vclHrdPresent == 1 {
		// low_delay_hrd_flag
		if err = copyBits(r, w, 1); err != nil {
			return err
		}
	}

	// pic_struct_present_flag
	if err = copyBits(r, w, 1); err != nil {
		return err
	}

	// bitstream_restriction: подполя исходного потока читаются для
	// выравнивания, записываются всегда принудительные значения
	restrictionPresent, err := r.ReadBits(1)
	if err != nil {
		return err
	}
	if restrictionPresent == 1 {
		// motion_vectors_over_pic_boundaries_flag
		if _, err = r.ReadBits(1); err != nil {
			return err
		}
		for i := 0; i < 6; i++ {
			if _, err = r.ReadUE(); err != nil {
				return err
			}
		}
	}
	writeForcedBitstreamRestriction(w, maxNumRefFrames)
	return nil
}

// writeForcedBitstreamRestriction пишет блок bitstream_restriction с
// фиксированными значениями; max_dec_frame_buffering берется равным
// max_num_ref_frames из того же SPS
func writeForcedBitstreamRestriction(w *Writer, maxNumRefFrames uint32) {
	w.WriteBit(1) // bitstream_restriction_flag
	w.WriteBit(1) // motion_vectors_over_pic_boundaries_flag
	w.WriteUE(forcedMaxBytesPerPicDenom)
	w.WriteUE(forcedMaxBitsPerMbDenom)
	w.WriteUE(forcedLog2MaxMvLengthHorizonal)
	w.WriteUE(forcedLog2MaxMvLengthVertical)
	w.WriteUE(forcedMaxNumReorderFrames)
	w.WriteUE(maxNumRefFrames) // max_dec_frame_buffering
}

// copyHRD копирует hrd_parameters блок (Annex E.1.2) без изменений
func copyHRD(r *Reader, w *Writer) error {
	cpbCnt, err := copyUEV(r, w)
	if err != nil {
		return err
	}
	// bit_rate_scale + cpb_size_scale
	if err = copyBits(r, w, 8); err != nil {
		return err
	}
	for i := uint32(0); i <= cpbCnt; i++ {
		if err = copyUE(r, w); err != nil {
			return err
		}
		if err = copyUE(r, w); err != nil {
			return err
		}
		if err = copyBits(r, w, 1); err != nil {
			return err
		}
	}
	// четыре *_length_minus1 поля по 5 бит
	return copyBits(r, w, 20)
}

// copyScalingList копирует scaling_list синтаксис (Section 7.3.2.1.1.1)
func copyScalingList(r *Reader, w *Writer, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			delta, err := r.ReadSE()
			if err != nil {
				return err
			}
			w.WriteSE(delta)
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

func copyBits(r *Reader, w *Writer, n int) error {
	_, err := copyBitsV(r, w, n)
	return err
}

func copyBitsV(r *Reader, w *Writer, n int) (uint32, error) {
	v, err := r.ReadBits(n)
	if err != nil {
		return 0, err
	}
	w.WriteBits(v, n)
	return v, nil
}

func copyUE(r *Reader, w *Writer) error {
	_, err := copyUEV(r, w)
	return err
}

func copyUEV(r *Reader, w *Writer) (uint32, error) {
	v, err := r.ReadUE()
	if err != nil {
		return 0, err
	}
	w.WriteUE(v)
	return v, nil
}

func copySE(r *Reader, w *Writer) error {
	v, err := r.ReadSE()
	if err != nil {
		return err
	}
	w.WriteSE(v)
	return nil
}
